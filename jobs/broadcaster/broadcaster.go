// Package broadcaster forwards settlement jobs that ended failed to the
// operator feed, where they wait for manual remediation.
//
// Delivery is at least once: every failure is written to the Outbox
// before it is published, and a periodic flush republishes entries that
// were never acknowledged, including those left behind by a restart.
package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"hydra/settlement"
)

const eventType = "settlement.failed"

// Publisher is the feed transport; infra/kafka.Producer in production.
type Publisher interface {
	Send(ctx context.Context, kind string, key, value []byte) error
}

// Jobs resolves a trade id to its settlement job.
type Jobs interface {
	Status(tradeID uint64) (settlement.Job, error)
}

type Config struct {
	// FlushInterval is how often unacknowledged entries are retried.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Retries bounds the backoff of a single publish.
	Retries uint64 `yaml:"retries"`
}

func DefaultConfig() Config {
	return Config{FlushInterval: 2 * time.Second, Retries: 5}
}

type Broadcaster struct {
	cfg      Config
	failures <-chan settlement.Job
	jobs     Jobs
	outbox   *Outbox
	pub      Publisher
	log      *zap.Logger
}

type Event struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	TradeID   uint64 `json:"trade_id"`
	Pair      string `json:"pair"`
	Price     int64  `json:"price"`
	Amount    int64  `json:"amount"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
	UpdatedAt int64  `json:"updated_at"`
}

func New(cfg Config, failures <-chan settlement.Job, jobs Jobs, outbox *Outbox, pub Publisher, log *zap.Logger) *Broadcaster {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Broadcaster{
		cfg:      cfg,
		failures: failures,
		jobs:     jobs,
		outbox:   outbox,
		pub:      pub,
		log:      log.Named("broadcaster"),
	}
}

// Run publishes failures until ctx is done. Entries left from a previous
// run are flushed first.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info("broadcaster started")
	b.flush(ctx)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-b.failures:
			if err := b.outbox.PutNew(j.TradeID); err != nil {
				b.log.Error("outbox write failed", zap.Uint64("trade_id", j.TradeID), zap.Error(err))
			}
			b.deliver(ctx, &j, 0)
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// flush republishes every unacknowledged entry.
func (b *Broadcaster) flush(ctx context.Context) {
	type pending struct {
		id      uint64
		retries uint32
	}
	var todo []pending
	err := b.outbox.Pending(func(id uint64, e Entry) error {
		todo = append(todo, pending{id, e.Retries})
		return nil
	})
	if err != nil {
		b.log.Error("outbox scan failed", zap.Error(err))
		return
	}

	for _, p := range todo {
		if ctx.Err() != nil {
			return
		}
		j, err := b.jobs.Status(p.id)
		if errors.Is(err, settlement.ErrJobNotFound) {
			b.log.Warn("outbox entry without a job dropped", zap.Uint64("trade_id", p.id))
			_ = b.outbox.Ack(p.id)
			continue
		}
		if err != nil {
			b.log.Error("job lookup failed", zap.Uint64("trade_id", p.id), zap.Error(err))
			continue
		}
		b.deliver(ctx, &j, p.retries)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, j *settlement.Job, retries uint32) {
	if err := b.outbox.UpdateState(j.TradeID, StateSent, retries); err != nil {
		b.log.Error("outbox write failed", zap.Uint64("trade_id", j.TradeID), zap.Error(err))
	}
	if err := b.publish(ctx, j); err != nil {
		if ctx.Err() == nil {
			b.log.Error("failed job not broadcast", zap.Uint64("trade_id", j.TradeID), zap.Uint32("retries", retries+1), zap.Error(err))
		}
		_ = b.outbox.UpdateState(j.TradeID, StateFailed, retries+1)
		return
	}
	if err := b.outbox.Ack(j.TradeID); err != nil {
		b.log.Warn("outbox ack failed", zap.Uint64("trade_id", j.TradeID), zap.Error(err))
	}
}

func (b *Broadcaster) publish(ctx context.Context, j *settlement.Job) error {
	ev := Event{
		V:         1,
		Type:      eventType,
		TradeID:   j.TradeID,
		Pair:      j.Trade.Pair,
		Price:     j.Trade.Price,
		Amount:    j.Trade.Amount,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		UpdatedAt: j.UpdatedAt,
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := []byte(strconv.FormatUint(j.TradeID, 10))

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, b.cfg.Retries), ctx)
	return backoff.Retry(func() error {
		return b.pub.Send(ctx, eventType, key, value)
	}, policy)
}
