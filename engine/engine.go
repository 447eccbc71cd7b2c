package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hydra/domain/orderbook"
	"hydra/infra/memory"
	"hydra/infra/metrics"
	"hydra/infra/sequence"
)

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns one Market per instrument. Markets never share state, so a
// halted or slow instrument does not affect the others.
type Engine struct {
	cfg      Config
	sink     TradeSink
	orderIDs *sequence.Sequencer
	tradeIDs *sequence.Sequencer
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	markets map[string]*Market
	group   *errgroup.Group
	ctx     context.Context
}

// New wires an engine. Trade ids come from tradeIDs across all markets,
// so they are unique and usable as settlement job ids.
func New(cfg Config, sink TradeSink, orderIDs, tradeIDs *sequence.Sequencer, log *zap.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		sink:     sink,
		orderIDs: orderIDs,
		tradeIDs: tradeIDs,
		log:      log.Named("engine"),
		markets:  make(map[string]*Market),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, p := range cfg.Pairs {
		m, err := newMarket(p, cfg, sink, tradeIDs, e.log, e.metrics)
		if err != nil {
			return nil, err
		}
		e.markets[p] = m
	}
	return e, nil
}

// Run starts every market sequencer and blocks until ctx is done and all
// sequencers have exited. Markets created later start immediately.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	g, gctx := errgroup.WithContext(ctx)
	e.group, e.ctx = g, gctx
	for _, m := range e.markets {
		e.start(m)
	}
	e.mu.Unlock()

	<-gctx.Done()
	return g.Wait()
}

// e.mu held.
func (e *Engine) start(m *Market) {
	e.group.Go(func() error {
		m.run(e.ctx)
		return nil
	})
}

// Market returns the market for pair, creating it when the engine
// accepts any pair.
func (e *Engine) Market(pair string) (*Market, error) {
	e.mu.RLock()
	m, ok := e.markets[pair]
	e.mu.RUnlock()
	if ok {
		return m, nil
	}
	if len(e.cfg.Pairs) > 0 || pair == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPair, pair)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.markets[pair]; ok {
		return m, nil
	}
	m, err := newMarket(pair, e.cfg, e.sink, e.tradeIDs, e.log, e.metrics)
	if err != nil {
		return nil, err
	}
	e.markets[pair] = m
	if e.group != nil {
		e.start(m)
	}
	return m, nil
}

// Pairs lists the markets in name order.
func (e *Engine) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pairs := make([]string, 0, len(e.markets))
	for p := range e.markets {
		pairs = append(pairs, p)
	}
	slices.Sort(pairs)
	return pairs
}

// ---- per-order entry points ----

// Submit assigns an order id when req has none and runs the order on its
// market.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (Result, error) {
	m, err := e.Market(req.Pair)
	if err != nil {
		return Result{}, err
	}
	if req.ID == 0 {
		req.ID = e.orderIDs.Next()
	}
	return m.Submit(ctx, req)
}

func (e *Engine) Cancel(ctx context.Context, pair string, id uint64) (orderbook.Order, error) {
	m, err := e.Market(pair)
	if err != nil {
		return orderbook.Order{}, err
	}
	return m.Cancel(ctx, id)
}

func (e *Engine) Liquidity(ctx context.Context, pair string, side orderbook.Side, impactBps, limit int64) (Liquidity, error) {
	m, err := e.Market(pair)
	if err != nil {
		return Liquidity{}, err
	}
	return m.Liquidity(ctx, side, impactBps, limit)
}

func (e *Engine) View(pair string, depth int) (orderbook.BookView, error) {
	m, err := e.Market(pair)
	if err != nil {
		return orderbook.BookView{}, err
	}
	return m.View(depth), nil
}

func (e *Engine) Snapshot(ctx context.Context, pair string) (orderbook.BookSnapshot, error) {
	m, err := e.Market(pair)
	if err != nil {
		return orderbook.BookSnapshot{}, err
	}
	return m.Snapshot(ctx)
}

// Restore loads snap into its market, replays the market journal past
// it and resumes the market if halted. Order and trade ids found in the
// snapshot or the journal are reserved so new ones never collide.
func (e *Engine) Restore(ctx context.Context, snap orderbook.BookSnapshot) error {
	m, err := e.Market(snap.Pair)
	if err != nil {
		return err
	}
	for i := range snap.Orders {
		e.orderIDs.AdvanceTo(snap.Orders[i].ID)
	}
	replayed, err := m.Restore(ctx, snap)
	if err != nil {
		return err
	}
	e.orderIDs.AdvanceTo(replayed.MaxOrderID)
	e.tradeIDs.AdvanceTo(replayed.MaxTradeID)
	return nil
}

// Journaled reports whether markets keep a command journal.
func (e *Engine) Journaled() bool {
	return e.cfg.Journal.Dir != ""
}

// CompactJournal drops the journal segments of pair covered by a
// snapshot taken at journal position upTo.
func (e *Engine) CompactJournal(pair string, upTo uint64) error {
	m, err := e.Market(pair)
	if err != nil {
		return err
	}
	removed, err := m.CompactJournal(upTo)
	if removed > 0 {
		e.log.Debug("journal compacted", zap.String("pair", pair), zap.Int("segments", removed))
	}
	return err
}

// PoolStats sums the order record pools of all markets.
func (e *Engine) PoolStats() memory.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var s memory.Stats
	for _, m := range e.markets {
		ms := m.PoolStats()
		s.InUse += ms.InUse
		s.Free += ms.Free
		s.Capacity += ms.Capacity
		s.Max += ms.Max
		s.Exhausted += ms.Exhausted
	}
	return s
}

// Halted maps each halted pair to its cause.
func (e *Engine) Halted() map[string]error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]error)
	for p, m := range e.markets {
		if err := m.Halted(); err != nil {
			out[p] = err
		}
	}
	return out
}
