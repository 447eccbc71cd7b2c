package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"hydra/domain/orderbook"
	"hydra/infra/memory"
	"hydra/infra/metrics"
	"hydra/infra/wal"
)

const bpsScale = 10_000

// Market is the sequencer of one instrument. A single goroutine owns the
// order book; everything else talks to it through the inbox. Reads of
// the depth view never touch the inbox.
type Market struct {
	pair string
	cfg  Config
	log  *zap.Logger

	// owned by the sequencer goroutine
	book    *orderbook.OrderBook
	orders  *memory.Pool[orderbook.Order]
	retired *memory.RetireRing[orderbook.Order]
	sink    TradeSink
	ids     *replayIDs
	metrics *metrics.Metrics
	journal *wal.Journal
	jbuf    []byte
	// at is the clock of the command being executed: wall time live,
	// the journaled time during a replay.
	at int64

	cmds    *memory.Pool[command]
	inbox   chan *command
	stopped chan struct{}

	view   atomic.Pointer[orderbook.BookView]
	halted atomic.Pointer[error]
}

func newMarket(pair string, cfg Config, sink TradeSink, trades orderbook.IDSource, log *zap.Logger, m *metrics.Metrics) (*Market, error) {
	journal, err := openJournal(cfg.Journal, pair)
	if err != nil {
		return nil, err
	}
	mk := &Market{
		pair:    pair,
		cfg:     cfg,
		log:     log.With(zap.String("pair", pair)),
		orders:  memory.NewPool(cfg.Orders, (*orderbook.Order).Reset),
		retired: memory.NewRetireRing[orderbook.Order](cfg.RetireRing),
		sink:    sink,
		ids:     &replayIDs{src: trades},
		metrics: m,
		journal: journal,
		cmds: memory.NewPoolFunc(memory.Config{Initial: cfg.InboxSize, Max: 2 * cfg.InboxSize},
			newCommand, resetCommand),
		inbox:   make(chan *command, cfg.InboxSize),
		stopped: make(chan struct{}),
	}
	mk.book = mk.newBook()
	// Runs inside Acquire, which only the sequencer calls on this pool.
	mk.orders.SetReclaimer(mk.reclaim)
	mk.publish()
	return mk, nil
}

func (m *Market) newBook() *orderbook.OrderBook {
	return orderbook.New(m.pair, m.ids,
		orderbook.WithClock(func() int64 { return m.at }),
		orderbook.WithDoneHook(m.retire))
}

func (m *Market) Pair() string { return m.pair }

// ---- client side ----

// Submit runs an order through the book. A validation failure returns
// an error wrapping orderbook.ErrValidation and changes nothing.
func (m *Market) Submit(ctx context.Context, req OrderRequest) (Result, error) {
	var res Result
	err := m.retryExhausted(ctx, func() error {
		return m.do(ctx, func(c *command) {
			c.kind = cmdSubmit
			c.req = req
		}, func(c *command) error {
			res = c.result
			return c.err
		})
	})
	return res, err
}

// Cancel removes a resting order. Cancels of orders that already matched
// fail with orderbook.ErrNotCancelable.
func (m *Market) Cancel(ctx context.Context, id uint64) (orderbook.Order, error) {
	var out orderbook.Order
	err := m.retryExhausted(ctx, func() error {
		return m.do(ctx, func(c *command) {
			c.kind = cmdCancel
			c.orderID = id
		}, func(c *command) error {
			out = c.order
			return c.err
		})
	})
	return out, err
}

// Liquidity measures book depth a taker on side could consume within
// impactBps of the reference price, and no worse than limit (0: none).
func (m *Market) Liquidity(ctx context.Context, side orderbook.Side, impactBps, limit int64) (Liquidity, error) {
	var out Liquidity
	err := m.retryExhausted(ctx, func() error {
		return m.do(ctx, func(c *command) {
			c.kind = cmdLiquidity
			c.side = side
			c.impactBps = impactBps
			c.limit = limit
		}, func(c *command) error {
			out = c.liq
			return c.err
		})
	})
	return out, err
}

// Snapshot copies every resting order in priority order.
func (m *Market) Snapshot(ctx context.Context) (orderbook.BookSnapshot, error) {
	var out orderbook.BookSnapshot
	err := m.retryExhausted(ctx, func() error {
		return m.do(ctx, func(c *command) {
			c.kind = cmdSnapshot
		}, func(c *command) error {
			out = c.snapshot
			return c.err
		})
	})
	return out, err
}

// Restore replaces the book with snap, replays the journal records the
// snapshot does not cover and clears a halt.
func (m *Market) Restore(ctx context.Context, snap orderbook.BookSnapshot) (Replayed, error) {
	var out Replayed
	err := m.retryExhausted(ctx, func() error {
		return m.do(ctx, func(c *command) {
			c.kind = cmdRestore
			c.restore = &snap
		}, func(c *command) error {
			out = c.replayed
			return c.err
		})
	})
	return out, err
}

// CompactJournal drops journal segments fully covered by a snapshot at
// journal position upTo.
func (m *Market) CompactJournal(upTo uint64) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	return m.journal.TruncateBefore(upTo)
}

// View returns the last published depth view, at most depth levels per
// side (depth <= 0: all published levels). It never blocks.
func (m *Market) View(depth int) orderbook.BookView {
	return m.view.Load().Truncate(depth)
}

// Halted returns the halt cause, or nil if the market is running.
func (m *Market) Halted() error {
	if p := m.halted.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *Market) PoolStats() memory.Stats {
	return m.orders.Stats()
}

// do sends one command and waits for the reply. read runs on the caller
// goroutine before the command is released.
func (m *Market) do(ctx context.Context, fill func(*command), read func(*command) error) error {
	c, err := m.cmds.Acquire()
	if err != nil {
		return err
	}
	fill(c)

	select {
	case m.inbox <- c:
	case <-ctx.Done():
		m.cmds.Release(c)
		return ctx.Err()
	case <-m.stopped:
		m.cmds.Release(c)
		return ErrStopped
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		if c.state.CompareAndSwap(statePending, stateAbandoned) {
			return ctx.Err()
		}
		<-c.done
	case <-m.stopped:
		if c.state.CompareAndSwap(statePending, stateAbandoned) {
			return ErrStopped
		}
		<-c.done
	}

	err = read(c)
	m.cmds.Release(c)
	return err
}

// retryExhausted retries op with bounded backoff while a record pool is
// exhausted, then gives up with the pool error.
func (m *Market) retryExhausted(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.AcquireBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.cfg.AcquireRetries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, memory.ErrPoolExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// ---- sequencer ----

func (m *Market) run(ctx context.Context) {
	defer close(m.stopped)
	if m.journal != nil {
		defer func() {
			if err := m.journal.Close(); err != nil {
				m.log.Warn("close journal", zap.Error(err))
			}
		}()
	}
	m.log.Info("market started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("market stopped")
			return
		case c := <-m.inbox:
			m.handle(c)
		}
	}
}

func (m *Market) handle(c *command) {
	if !c.state.CompareAndSwap(statePending, stateRunning) {
		m.cmds.Release(c)
		return
	}

	if err := m.Halted(); err != nil && c.kind != cmdRestore {
		c.err = err
	} else {
		m.at = time.Now().UnixNano()
		m.execute(c)
	}

	m.retired.Drain(m.orders.Release)
	c.done <- struct{}{}
}

// execute runs c against the book. A panic inside matching is treated
// like an invariant violation.
func (m *Market) execute(c *command) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic: %v", orderbook.ErrInvariant, r)
			m.halt(err)
			c.err = m.Halted()
		}
	}()

	switch c.kind {
	case cmdSubmit:
		m.submit(c)
	case cmdCancel:
		c.order, c.err = m.book.Cancel(c.orderID)
	case cmdLiquidity:
		c.liq = m.liquidity(c.side, c.impactBps, c.limit)
		return
	case cmdSnapshot:
		c.snapshot = m.book.Snapshot()
		if m.journal != nil {
			c.snapshot.Journal = m.journal.LastSeq()
		}
		return
	case cmdRestore:
		c.replayed, c.err = m.restore(c.restore)
	}
	if c.err != nil {
		if c.kind == cmdRestore {
			// a failed restore leaves an empty book behind
			m.publish()
		}
		return
	}

	if m.cfg.CheckInvariants {
		if err := m.book.CheckInvariants(); err != nil {
			m.halt(err)
			c.err = m.Halted()
			return
		}
	}
	// Recorded before any trade leaves the market: a trade the sink has
	// seen is always reproducible from the journal.
	if err := m.record(c); err != nil {
		m.halt(err)
		c.err = m.Halted()
		return
	}
	if c.kind == cmdSubmit {
		m.settle(&c.result)
	}
	m.publish()
}

func (m *Market) submit(c *command) {
	o, err := m.orders.Acquire()
	if err != nil {
		c.err = err
		return
	}
	*o = orderbook.Order{
		ID:          c.req.ID,
		Pair:        c.req.Pair,
		Side:        c.req.Side,
		Kind:        c.req.Kind,
		Amount:      c.req.Amount,
		UserID:      c.req.UserID,
		SubmittedAt: m.at,
	}

	mid, _ := m.book.Mid()
	trades, err := m.book.Submit(o, make([]orderbook.Trade, 0, 4))
	if err != nil {
		if errors.Is(err, orderbook.ErrInvariant) {
			m.halt(err)
			c.err = m.Halted()
			return
		}
		// Rejected before touching the book: the record is still ours.
		m.orders.Release(o)
		c.err = err
		return
	}
	c.result = Result{Order: o.Copy(), Trades: trades, Mid: mid}
}

// settle hands the trades of an accepted order to the sink. Every trade
// the sink refuses is logged and marked failed; a journaled market queues
// it again on its next restore.
func (m *Market) settle(res *Result) {
	trades := res.Trades
	if len(trades) == 0 {
		return
	}
	res.JobIDs = make([]uint64, len(trades))
	for i := range trades {
		id, err := m.sink.Enqueue(trades[i])
		res.JobIDs[i] = id
		if err != nil {
			trades[i].Settlement = orderbook.SettlementFailed
			if res.SettlementErr == nil {
				res.SettlementErr = err
			}
			m.log.Warn("trade not queued for settlement", zap.Uint64("trade_id", trades[i].ID), zap.Error(err))
		}
	}
	if m.metrics != nil {
		m.metrics.AddTrades(m.pair, len(trades))
	}
}

// record journals an accepted submit or cancel.
func (m *Market) record(c *command) error {
	if m.journal == nil {
		return nil
	}
	var (
		op uint8
		e  entry
	)
	switch c.kind {
	case cmdSubmit:
		op = opSubmit
		o := &c.result.Order
		e.order = orderbook.Order{
			ID: o.ID, Pair: o.Pair, Side: o.Side, Kind: o.Kind,
			Amount: o.Amount, UserID: o.UserID, SubmittedAt: o.SubmittedAt,
		}
		e.trades = make([]uint64, len(c.result.Trades))
		for i := range c.result.Trades {
			e.trades[i] = c.result.Trades[i].ID
		}
	case cmdCancel:
		op = opCancel
		e.order.ID = c.orderID
	default:
		return nil
	}
	m.jbuf = appendEntry(m.jbuf[:0], &e)
	if _, err := m.journal.Append(op, m.at, m.jbuf); err != nil {
		return fmt.Errorf("%w: %w", ErrJournal, err)
	}
	return nil
}

func (m *Market) liquidity(side orderbook.Side, impactBps, limit int64) Liquidity {
	var out Liquidity
	if mid, ok := m.book.Mid(); ok {
		out.Mid, out.Reference = mid, mid
	} else if side == orderbook.Buy {
		out.Reference, _ = m.book.BestAsk()
	} else {
		out.Reference, _ = m.book.BestBid()
	}
	if out.Reference == 0 {
		return out
	}

	if side == orderbook.Buy {
		out.LimitPrice = out.Reference * (bpsScale + impactBps) / bpsScale
		if limit > 0 {
			out.LimitPrice = min(out.LimitPrice, limit)
		}
	} else {
		out.LimitPrice = max(out.Reference*(bpsScale-impactBps)/bpsScale, 1)
		if limit > 0 {
			out.LimitPrice = max(out.LimitPrice, limit)
		}
	}
	out.Available = m.book.Liquidity(side, out.LimitPrice)
	return out
}

func (m *Market) restore(snap *orderbook.BookSnapshot) (Replayed, error) {
	var replayed Replayed
	if snap.Pair != m.pair {
		return replayed, fmt.Errorf("engine: restore %s from a %s snapshot", m.pair, snap.Pair)
	}
	m.resetBook()

	for i := range snap.Orders {
		o, err := m.orders.Acquire()
		if err != nil {
			return replayed, fmt.Errorf("engine: restore %s: %w", m.pair, err)
		}
		*o = snap.Orders[i]
		if err := m.book.Restore(o); err != nil {
			m.orders.Release(o)
			m.resetBook()
			return replayed, fmt.Errorf("engine: restore %s: %w", m.pair, err)
		}
	}
	m.book.SetSeq(snap.Seq)

	if m.journal != nil {
		var err error
		if replayed, err = m.replay(snap.Journal); err != nil {
			m.ids.queue = nil
			m.resetBook()
			return replayed, fmt.Errorf("engine: replay %s: %w", m.pair, err)
		}
		m.journal.AdvanceTo(snap.Journal)
	}
	if err := m.book.CheckInvariants(); err != nil {
		m.resetBook()
		return replayed, fmt.Errorf("engine: restore %s: %w", m.pair, err)
	}

	if m.halted.Swap(nil) != nil {
		m.log.Info("market resumed from snapshot", zap.Uint64("seq", snap.Seq), zap.Int("orders", len(snap.Orders)))
	}
	if replayed.Records > 0 {
		m.log.Info("journal replayed", zap.Uint64("after", snap.Journal), zap.Int("records", replayed.Records))
	}
	return replayed, nil
}

// replay applies every journal record after seq to the book, with the
// recorded clock and trade ids, and queues the trades again. The sink
// ignores trades it already holds.
func (m *Market) replay(after uint64) (Replayed, error) {
	var (
		out    Replayed
		trades []orderbook.Trade
	)
	_, err := m.journal.Replay(after, func(r *wal.Record) error {
		var e entry
		if err := decodeEntry(r.Data, &e); err != nil {
			return err
		}
		m.at = r.Time
		switch r.Type {
		case opSubmit:
			o, err := m.orders.Acquire()
			if err != nil {
				return err
			}
			*o = e.order
			m.ids.queue = e.trades
			trades, err = m.book.Submit(o, trades[:0])
			if err != nil {
				if !errors.Is(err, orderbook.ErrInvariant) {
					m.orders.Release(o)
				}
				return fmt.Errorf("order %d: %w", e.order.ID, err)
			}
			if len(m.ids.queue) > 0 || len(trades) != len(e.trades) {
				return fmt.Errorf("order %d: journal recorded %d trades, book produced %d", e.order.ID, len(e.trades), len(trades))
			}
			for i := range trades {
				if _, err := m.sink.Enqueue(trades[i]); err != nil {
					m.log.Warn("replayed trade not queued for settlement", zap.Uint64("trade_id", trades[i].ID), zap.Error(err))
				}
				out.MaxTradeID = max(out.MaxTradeID, trades[i].ID)
			}
		case opCancel:
			if _, err := m.book.Cancel(e.order.ID); err != nil {
				return fmt.Errorf("cancel %d: %w", e.order.ID, err)
			}
		default:
			return fmt.Errorf("unknown journal record type %d", r.Type)
		}
		m.retired.Drain(m.orders.Release)
		out.Records++
		out.MaxOrderID = max(out.MaxOrderID, e.order.ID)
		return nil
	})
	return out, err
}

// resetBook releases every resting record and starts an empty book. A
// corrupted book may not be walkable; its records are then abandoned.
func (m *Market) resetBook() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("could not drain corrupted book; its order records are lost", zap.Any("panic", r))
		}
		m.book = m.newBook()
	}()
	m.book.Drain(m.orders.Release)
}

func (m *Market) halt(cause error) {
	err := fmt.Errorf("%w: %s: %w", ErrMarketHalted, m.pair, cause)
	if m.halted.CompareAndSwap(nil, &err) {
		m.log.Error("market halted", zap.Error(cause))
	}
}

// retire is the book's done hook. Records are released after the
// current command so the pool lock stays out of the matching loop.
// A full ring is drained first; o itself must survive until the reply
// is copied out.
func (m *Market) retire(o *orderbook.Order) {
	if m.retired.Enqueue(o) {
		return
	}
	m.retired.Drain(m.orders.Release)
	if !m.retired.Enqueue(o) {
		m.orders.Release(o)
	}
}

func (m *Market) reclaim() int {
	return m.retired.Drain(m.orders.Release)
}

func (m *Market) publish() {
	v := m.book.View(m.cfg.ViewDepth)
	m.view.Store(&v)
}
