package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hydra/domain/orderbook"
	"hydra/engine"
	"hydra/infra/kv"
	"hydra/infra/memory"
	"hydra/infra/metrics"
	"hydra/infra/sequence"
	"hydra/router"
	"hydra/settlement"
	"hydra/snapshot"
)

type Config struct {
	// SnapshotInterval is how often every book is persisted. Zero
	// disables the periodic job.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// MaxDepth caps the levels a book query may ask for.
	MaxDepth int `yaml:"max_depth"`
}

func DefaultConfig() Config {
	return Config{SnapshotInterval: 10 * time.Second, MaxDepth: 50}
}

// Components are the collaborators an Exchange drives. All of them are
// built once at startup and owned by the caller.
type Components struct {
	Engine   *engine.Engine
	Router   *router.Router
	Queue    *settlement.Queue
	Store    kv.Store
	Buffers  *memory.BufferPool
	OrderIDs *sequence.Sequencer
	TradeIDs *sequence.Sequencer
	Metrics  *metrics.Metrics
}

// Exchange is the only write entry point into the system.
type Exchange struct {
	cfg   Config
	c     Components
	snaps *snapshot.Writer
	log   *zap.Logger
	ready chan struct{}
}

func New(cfg Config, c Components, log *zap.Logger) (*Exchange, error) {
	x := &Exchange{
		cfg:   cfg,
		c:     c,
		snaps: snapshot.NewWriter(c.Store, c.Buffers),
		log:   log.Named("exchange"),
		ready: make(chan struct{}),
	}
	if err := x.registerGauges(); err != nil {
		return nil, err
	}
	return x, nil
}

// Run starts the engine, recovers persisted state, then runs the
// settlement workers and the snapshot job until ctx is done. Ready is
// closed once recovery completes.
func (x *Exchange) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return x.c.Engine.Run(ctx) })
	g.Go(func() error {
		if err := x.Recover(ctx); err != nil {
			return err
		}
		close(x.ready)
		x.log.Info("exchange ready", zap.Strings("pairs", x.c.Engine.Pairs()))

		sg, sctx := errgroup.WithContext(ctx)
		sg.Go(func() error { return x.c.Queue.Run(sctx) })
		sg.Go(func() error {
			x.snapshotLoop(sctx)
			return nil
		})
		return sg.Wait()
	})
	return g.Wait()
}

func (x *Exchange) Ready() <-chan struct{} {
	return x.ready
}

// ---- commands ----

// SubmitOrder matches or routes one order and reports what executed.
// Validation failures carry an orderbook.Reason code.
func (x *Exchange) SubmitOrder(ctx context.Context, req engine.OrderRequest) (router.ExecutionReport, error) {
	started := time.Now()
	rep, err := x.c.Router.Route(ctx, req)
	if x.c.Metrics != nil {
		x.c.Metrics.ObserveOrder(req.Pair, outcome(err), started)
	}
	return rep, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAccepted
	case errors.Is(err, orderbook.ErrValidation), errors.Is(err, settlement.ErrBackpressure):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

// CancelOrder removes a resting order. An order that already matched
// fails with orderbook.ErrNotCancelable.
func (x *Exchange) CancelOrder(ctx context.Context, pair string, id uint64) (orderbook.Order, error) {
	return x.c.Engine.Cancel(ctx, pair, id)
}

// ---- queries ----

// OrderBookSnapshot returns a copied depth view; it never waits on the
// market sequencer.
func (x *Exchange) OrderBookSnapshot(pair string, depth int) (orderbook.BookView, error) {
	if depth <= 0 || depth > x.cfg.MaxDepth {
		depth = x.cfg.MaxDepth
	}
	return x.c.Engine.View(pair, depth)
}

func (x *Exchange) SettlementStatus(tradeID uint64) (settlement.Job, error) {
	return x.c.Queue.Status(tradeID)
}

// Metrics is the operator summary.
type Metrics struct {
	TPS        float64
	LatencyP50 time.Duration
	LatencyP90 time.Duration
	LatencyP99 time.Duration
	QueueDepth int64
	// PoolUtilization is in-use over maximum of the order record pools.
	PoolUtilization float64
	Pools           map[string]memory.Stats
	Queue           settlement.QueueMetrics
	Halted          []string
}

func (x *Exchange) Metrics() Metrics {
	orders := x.c.Engine.PoolStats()
	out := Metrics{
		QueueDepth:      x.c.Queue.Depth(),
		PoolUtilization: orders.Utilization(),
		Pools: map[string]memory.Stats{
			"orders":  orders,
			"jobs":    x.c.Queue.RecordStats(),
			"buffers": x.c.Buffers.Stats(),
		},
		Queue: x.c.Queue.Metrics(),
	}
	if x.c.Metrics != nil {
		out.TPS = x.c.Metrics.TPS()
		out.LatencyP50, out.LatencyP90, out.LatencyP99 = x.c.Metrics.Latency()
	}
	for pair := range x.c.Engine.Halted() {
		out.Halted = append(out.Halted, pair)
	}
	slices.Sort(out.Halted)
	return out
}

func (x *Exchange) registerGauges() error {
	m := x.c.Metrics
	if m == nil {
		return nil
	}
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"settlement_queue_depth", "Unfinished settlement jobs.", func() float64 { return float64(x.c.Queue.Depth()) }},
		{"settlement_throughput", "Settlements per second, rolling.", func() float64 { return x.c.Queue.Metrics().Throughput }},
		{"order_pool_utilization", "In-use share of the order record pools.", func() float64 { return x.c.Engine.PoolStats().Utilization() }},
		{"buffer_pool_utilization", "In-use share of the serialization buffers.", func() float64 { return x.c.Buffers.Stats().Utilization() }},
		{"markets_halted", "Markets halted on an invariant violation.", func() float64 { return float64(len(x.c.Engine.Halted())) }},
	}
	for _, g := range gauges {
		if err := m.Gauge(g.name, g.help, g.fn); err != nil {
			return fmt.Errorf("service: %w", err)
		}
	}
	return nil
}
