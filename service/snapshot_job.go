package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hydra/engine"
	"hydra/snapshot"
)

// SnapshotAll persists every running market and drops the journal
// segments each new snapshot covers. Halted markets are skipped so their
// last good snapshot survives.
func (x *Exchange) SnapshotAll(ctx context.Context) error {
	var errs []error
	for _, pair := range x.c.Engine.Pairs() {
		snap, err := x.c.Engine.Snapshot(ctx, pair)
		if errors.Is(err, engine.ErrMarketHalted) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snap.TakenAt = time.Now().UnixNano()
		if err := x.snaps.Write(&snap); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := x.c.Engine.CompactJournal(pair, snap.Journal); err != nil {
			x.log.Warn("journal compaction failed", zap.String("pair", pair), zap.Error(err))
		}
	}
	// written after the books so stored ids never run behind them
	errs = append(errs, x.snaps.WriteSequences(snapshot.Sequences{
		OrderID: x.c.OrderIDs.Current(),
		TradeID: x.c.TradeIDs.Current(),
	}))
	return errors.Join(errs...)
}

func (x *Exchange) snapshotLoop(ctx context.Context) {
	if x.cfg.SnapshotInterval <= 0 {
		return
	}
	t := time.NewTicker(x.cfg.SnapshotInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := x.SnapshotAll(ctx); err != nil && ctx.Err() == nil {
				x.log.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}
