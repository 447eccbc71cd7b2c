package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"hydra/domain/orderbook"
	"hydra/engine"
	"hydra/snapshot"
)

/*
Recover rebuilds in-memory state from the snapshot store.

- must run before accepting traffic, with the engine running
- settlement jobs are recovered first so trade ids resume past every
  persisted job
- each market is restored from its last snapshot, then its journal is
  replayed; markets with neither start empty
*/
func (x *Exchange) Recover(ctx context.Context) error {
	seqs, err := snapshot.LoadSequences(x.c.Store)
	if err != nil {
		return err
	}
	jobs, err := x.c.Queue.Recover(ctx)
	if err != nil {
		return err
	}
	// trades persisted after the last snapshot carry ids the stored
	// sequences have not seen
	x.c.OrderIDs.AdvanceTo(max(seqs.OrderID, jobs.MaxOrderID))
	x.c.TradeIDs.AdvanceTo(max(seqs.TradeID, jobs.MaxTradeID))

	stored, err := snapshot.Pairs(x.c.Store)
	if err != nil {
		return fmt.Errorf("service: list snapshots: %w", err)
	}
	pairs := x.c.Engine.Pairs()
	for _, p := range stored {
		if !slices.Contains(pairs, p) {
			pairs = append(pairs, p)
		}
	}

	for _, pair := range pairs {
		err := x.RecoverPair(ctx, pair)
		switch {
		case err == nil, errors.Is(err, snapshot.ErrNoSnapshot):
		case errors.Is(err, engine.ErrUnknownPair):
			x.log.Warn("snapshot of an unserved pair ignored", zap.String("pair", pair))
		default:
			return err
		}
	}
	x.log.Info("state recovered",
		zap.Uint64("order_id", x.c.OrderIDs.Current()),
		zap.Uint64("trade_id", x.c.TradeIDs.Current()),
		zap.Int("pairs", len(pairs)))
	return nil
}

// RecoverPair restores one market from its last good snapshot and
// replays the market journal past it. It is also how a market halted by
// an invariant violation is resumed. Without a snapshot a journaled
// market is rebuilt from the journal alone.
func (x *Exchange) RecoverPair(ctx context.Context, pair string) error {
	snap, err := snapshot.Load(x.c.Store, pair)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot) && x.c.Engine.Journaled():
		snap = orderbook.BookSnapshot{Pair: pair}
	case err != nil:
		return err
	}
	if err := x.c.Engine.Restore(ctx, snap); err != nil {
		return fmt.Errorf("service: restore %s: %w", pair, err)
	}
	x.log.Info("market restored",
		zap.String("pair", pair),
		zap.Uint64("seq", snap.Seq),
		zap.Uint64("journal", snap.Journal),
		zap.Int("orders", len(snap.Orders)))
	return nil
}
