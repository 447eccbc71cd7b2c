package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"hydra/domain/orderbook"
	"hydra/infra/memory"
	"hydra/infra/sequence"
)

const pair = "ETH-USDC"

type recordingSink struct {
	mu     sync.Mutex
	trades []orderbook.Trade
	fail   error
	panics bool
}

func (s *recordingSink) Enqueue(t orderbook.Trade) (uint64, error) {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return t.ID, s.fail
	}
	s.trades = append(s.trades, t)
	return t.ID, nil
}

func (s *recordingSink) ids() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.trades))
	for i := range s.trades {
		out[i] = s.trades[i].ID
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pairs = []string{pair}
	cfg.InboxSize = 16
	cfg.RetireRing = 16
	cfg.Orders = memory.Config{Initial: 8, Max: 64}
	cfg.CheckInvariants = true
	return cfg
}

func startEngine(t *testing.T, cfg Config, sink TradeSink) *Engine {
	t.Helper()
	e, stop := runEngine(t, cfg, sink, zaptest.NewLogger(t))
	t.Cleanup(stop)
	return e
}

// runEngine starts an engine and returns a stop function that waits for
// every market to exit. stop may be called more than once.
func runEngine(t *testing.T, cfg Config, sink TradeSink, log *zap.Logger) (*Engine, func()) {
	t.Helper()
	e, err := New(cfg, sink, sequence.New(0), sequence.New(0), log)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	var once sync.Once
	return e, func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
}

func limit(side orderbook.Side, price string, amount int64) OrderRequest {
	p, err := orderbook.ParsePrice(price)
	if err != nil {
		panic(err)
	}
	return OrderRequest{Pair: pair, Side: side, Kind: orderbook.LimitAt(p), Amount: amount, UserID: 1}
}

func TestSubmitSinksTradesInOrder(t *testing.T) {
	sink := &recordingSink{}
	e := startEngine(t, testConfig(), sink)
	ctx := context.Background()

	for _, price := range []string{"1.01", "1.02", "1.03"} {
		_, err := e.Submit(ctx, limit(orderbook.Sell, price, 10))
		require.NoError(t, err)
	}

	res, err := e.Submit(ctx, OrderRequest{Pair: pair, Side: orderbook.Buy, Kind: orderbook.MarketKind(), Amount: 25})
	require.NoError(t, err)
	require.Len(t, res.Trades, 3)
	assert.Equal(t, []uint64{1, 2, 3}, sink.ids())
	assert.Equal(t, []uint64{1, 2, 3}, res.JobIDs)
	assert.Equal(t, orderbook.StatusFilled, res.Order.Status)
	assert.Zero(t, res.Unfilled())
	assert.NotZero(t, res.Order.ID, "engine assigns order ids")

	view, err := e.View(pair, 0)
	require.NoError(t, err)
	require.Len(t, view.Asks, 1)
	assert.Equal(t, int64(5), view.Asks[0].Amount)
}

func TestSettlementFailureDoesNotUndoTrade(t *testing.T) {
	sink := &recordingSink{fail: errors.New("queue full")}
	e := startEngine(t, testConfig(), sink)
	ctx := context.Background()

	_, err := e.Submit(ctx, limit(orderbook.Sell, "1.00", 10))
	require.NoError(t, err)
	res, err := e.Submit(ctx, limit(orderbook.Buy, "1.00", 10))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Error(t, res.SettlementErr)
	assert.Equal(t, orderbook.SettlementFailed, res.Trades[0].Settlement)
	assert.Equal(t, orderbook.StatusFilled, res.Order.Status)
}

func TestEveryRefusedTradeIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &recordingSink{fail: errors.New("store unavailable")}
	e, stop := runEngine(t, testConfig(), sink, zap.New(core))
	t.Cleanup(stop)
	ctx := context.Background()

	for _, price := range []string{"1.00", "1.01", "1.02"} {
		_, err := e.Submit(ctx, limit(orderbook.Sell, price, 1))
		require.NoError(t, err)
	}
	res, err := e.Submit(ctx, OrderRequest{Pair: pair, Side: orderbook.Buy, Kind: orderbook.MarketKind(), Amount: 3})
	require.NoError(t, err)
	require.Len(t, res.Trades, 3)
	assert.ErrorContains(t, res.SettlementErr, "store unavailable")

	refused := logs.FilterMessage("trade not queued for settlement").All()
	require.Len(t, refused, 3)
	for i, entry := range refused {
		assert.Equal(t, res.Trades[i].ID, entry.ContextMap()["trade_id"])
		assert.Equal(t, orderbook.SettlementFailed, res.Trades[i].Settlement)
	}
}

func TestRejectedOrderReturnsRecord(t *testing.T) {
	e := startEngine(t, testConfig(), &recordingSink{})
	ctx := context.Background()

	_, err := e.Submit(ctx, OrderRequest{Pair: pair, Side: orderbook.Buy, Kind: orderbook.LimitAt(100), Amount: 0})
	require.ErrorIs(t, err, orderbook.ErrValidation)
	assert.Equal(t, orderbook.ReasonInvalidAmount, orderbook.ReasonOf(err))

	_, err = e.Submit(ctx, OrderRequest{Pair: "BTC-USDC", Side: orderbook.Buy, Kind: orderbook.MarketKind(), Amount: 1})
	require.ErrorIs(t, err, ErrUnknownPair)

	assert.Zero(t, e.PoolStats().InUse)
}

func TestCancel(t *testing.T) {
	e := startEngine(t, testConfig(), &recordingSink{})
	ctx := context.Background()

	res, err := e.Submit(ctx, limit(orderbook.Buy, "0.99", 10))
	require.NoError(t, err)
	assert.Equal(t, 1, e.PoolStats().InUse)

	got, err := e.Cancel(ctx, pair, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCanceled, got.Status)

	_, err = e.Cancel(ctx, pair, res.Order.ID)
	assert.ErrorIs(t, err, orderbook.ErrNotCancelable)

	// the canceled record is drained back after the command
	assert.Zero(t, e.PoolStats().InUse)
}

func TestPoolExhaustionFailsAfterBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Orders = memory.Config{Initial: 1, Max: 1}
	cfg.AcquireRetries = 2
	e := startEngine(t, cfg, &recordingSink{})
	ctx := context.Background()

	rest, err := e.Submit(ctx, limit(orderbook.Buy, "0.99", 10))
	require.NoError(t, err)

	_, err = e.Submit(ctx, limit(orderbook.Buy, "0.98", 10))
	require.ErrorIs(t, err, memory.ErrPoolExhausted)
	assert.GreaterOrEqual(t, e.PoolStats().Exhausted, uint64(3))

	_, err = e.Cancel(ctx, pair, rest.Order.ID)
	require.NoError(t, err)
	_, err = e.Submit(ctx, limit(orderbook.Buy, "0.98", 10))
	require.NoError(t, err)
}

func TestLiquidityTolerance(t *testing.T) {
	e := startEngine(t, testConfig(), &recordingSink{})
	ctx := context.Background()

	for _, req := range []OrderRequest{
		limit(orderbook.Buy, "0.99", 100),
		limit(orderbook.Sell, "1.01", 100),
		limit(orderbook.Sell, "1.02", 100),
		limit(orderbook.Sell, "1.10", 100),
	} {
		_, err := e.Submit(ctx, req)
		require.NoError(t, err)
	}

	// mid 1.00, 300 bps: buyers may pay up to 1.03
	liq, err := e.Liquidity(ctx, pair, orderbook.Buy, 300, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), liq.Mid)
	assert.Equal(t, int64(10300), liq.LimitPrice)
	assert.Equal(t, int64(200), liq.Available)

	// an explicit limit tightens the tolerance
	liq, err = e.Liquidity(ctx, pair, orderbook.Buy, 300, 10100)
	require.NoError(t, err)
	assert.Equal(t, int64(10100), liq.LimitPrice)
	assert.Equal(t, int64(100), liq.Available)

	liq, err = e.Liquidity(ctx, pair, orderbook.Sell, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9950), liq.LimitPrice)
	assert.Zero(t, liq.Available)
}

func TestLiquidityOneSidedBook(t *testing.T) {
	e := startEngine(t, testConfig(), &recordingSink{})
	ctx := context.Background()

	liq, err := e.Liquidity(ctx, pair, orderbook.Buy, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, Liquidity{}, liq)

	_, err = e.Submit(ctx, limit(orderbook.Sell, "2.00", 5))
	require.NoError(t, err)
	liq, err = e.Liquidity(ctx, pair, orderbook.Buy, 100, 0)
	require.NoError(t, err)
	assert.Zero(t, liq.Mid)
	assert.Equal(t, int64(20000), liq.Reference)
	assert.Equal(t, int64(20200), liq.LimitPrice)
	assert.Equal(t, int64(5), liq.Available)
}

func TestPanicHaltsMarketUntilRestore(t *testing.T) {
	sink := &recordingSink{}
	e := startEngine(t, testConfig(), sink)
	ctx := context.Background()

	_, err := e.Submit(ctx, limit(orderbook.Sell, "1.00", 10))
	require.NoError(t, err)
	snap, err := e.Snapshot(ctx, pair)
	require.NoError(t, err)

	sink.panics = true
	_, err = e.Submit(ctx, limit(orderbook.Buy, "1.00", 4))
	require.ErrorIs(t, err, ErrMarketHalted)
	require.ErrorIs(t, err, orderbook.ErrInvariant)
	sink.panics = false

	_, err = e.Submit(ctx, limit(orderbook.Buy, "0.50", 1))
	assert.ErrorIs(t, err, ErrMarketHalted)
	assert.Contains(t, e.Halted(), pair)

	require.NoError(t, e.Restore(ctx, snap))
	assert.Empty(t, e.Halted())

	res, err := e.Submit(ctx, limit(orderbook.Buy, "1.00", 10))
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusFilled, res.Order.Status)
	assert.Zero(t, e.PoolStats().InUse)
}

func TestRestoreRejectsCrossedSnapshot(t *testing.T) {
	e := startEngine(t, testConfig(), &recordingSink{})
	ctx := context.Background()

	snap := orderbook.BookSnapshot{Pair: pair, Seq: 2, Orders: []orderbook.Order{
		{ID: 1, Pair: pair, Side: orderbook.Buy, Kind: orderbook.LimitAt(10100), Amount: 5, Remaining: 5, Status: orderbook.StatusResting, Seq: 1},
		{ID: 2, Pair: pair, Side: orderbook.Sell, Kind: orderbook.LimitAt(10000), Amount: 5, Remaining: 5, Status: orderbook.StatusResting, Seq: 2},
	}}
	err := e.Restore(ctx, snap)
	require.ErrorIs(t, err, orderbook.ErrInvariant)

	view, err := e.View(pair, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Bids)
	assert.Zero(t, e.PoolStats().InUse)
}

func TestRestoreReservesOrderIDs(t *testing.T) {
	e := startEngine(t, testConfig(), &recordingSink{})
	ctx := context.Background()

	snap := orderbook.BookSnapshot{Pair: pair, Seq: 7, Orders: []orderbook.Order{
		{ID: 41, Pair: pair, Side: orderbook.Buy, Kind: orderbook.LimitAt(9900), Amount: 5, Remaining: 3, Status: orderbook.StatusPartiallyFilled, Seq: 7},
	}}
	require.NoError(t, e.Restore(ctx, snap))

	res, err := e.Submit(ctx, limit(orderbook.Buy, "0.98", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Order.ID)
	assert.Equal(t, uint64(8), res.Order.Seq)

	got, err := e.Snapshot(ctx, pair)
	require.NoError(t, err)
	require.Len(t, got.Orders, 2)
	assert.Equal(t, int64(3), got.Orders[0].Remaining)
}

func TestAbandonedCommandNeverRuns(t *testing.T) {
	cfg := testConfig()
	m, err := newMarket(pair, cfg, &recordingSink{}, sequence.New(0), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	// the sequencer is not running yet, so the command stays pending
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Submit(ctx, OrderRequest{ID: 1, Pair: pair, Side: orderbook.Buy, Kind: orderbook.LimitAt(100), Amount: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	runCtx, stop := context.WithCancel(context.Background())
	go m.run(runCtx)
	defer func() {
		stop()
		<-m.stopped
	}()

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Orders)
	assert.Zero(t, m.cmds.Stats().InUse)
}

func TestStoppedMarket(t *testing.T) {
	m, err := newMarket(pair, testConfig(), &recordingSink{}, sequence.New(0), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.run(ctx)
		close(done)
	}()
	stop()
	<-done

	// fill the inbox so the send cannot win against the closed stop channel
	for i := 0; i < cap(m.inbox); i++ {
		m.inbox <- newCommand()
	}
	_, err = m.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestConcurrentSubmitters(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Orders = memory.Config{Initial: 64, Max: 4096}
	e := startEngine(t, cfg, sink)
	ctx := context.Background()

	const workers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		side := orderbook.Buy
		if w%2 == 1 {
			side = orderbook.Sell
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := e.Submit(ctx, limit(side, "1.00", 1))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// equal buy and sell volume at one price always clears
	view, err := e.View(pair, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Bids)
	assert.Empty(t, view.Asks)
	assert.Len(t, sink.ids(), workers/2*each)
	assert.Zero(t, e.PoolStats().InUse)
}

func BenchmarkSubmit(b *testing.B) {
	cfg := testConfig()
	cfg.CheckInvariants = false
	cfg.Orders = memory.Config{Initial: 1 << 12, Max: 1 << 16}
	e, err := New(cfg, &recordingSink{}, sequence.New(0), sequence.New(0), zaptest.NewLogger(b))
	if err != nil {
		b.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := orderbook.Buy
		if i%2 == 1 {
			side = orderbook.Sell
		}
		if _, err := e.Submit(ctx, limit(side, "1.00", 1)); err != nil {
			b.Fatal(err)
		}
	}
}

func journaled(dir string) Config {
	cfg := testConfig()
	cfg.Journal = JournalConfig{Dir: dir, SegmentSize: 256}
	return cfg
}

// A restart restores the snapshot and then replays what the journal
// holds past it: fills, cancels and new resting orders all survive.
func TestRestoreReplaysJournal(t *testing.T) {
	cfg := journaled(t.TempDir())
	ctx := context.Background()

	first, stop := runEngine(t, cfg, &recordingSink{}, zaptest.NewLogger(t))
	t.Cleanup(stop)
	_, err := first.Submit(ctx, limit(orderbook.Sell, "1.00", 10))
	require.NoError(t, err)
	spare, err := first.Submit(ctx, limit(orderbook.Sell, "1.01", 5))
	require.NoError(t, err)
	snap, err := first.Snapshot(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Journal)

	fill, err := first.Submit(ctx, limit(orderbook.Buy, "1.00", 10))
	require.NoError(t, err)
	require.Len(t, fill.Trades, 1)
	_, err = first.Cancel(ctx, pair, spare.Order.ID)
	require.NoError(t, err)
	_, err = first.Submit(ctx, limit(orderbook.Buy, "0.99", 3))
	require.NoError(t, err)
	stop()

	sink := &recordingSink{}
	second, stop2 := runEngine(t, cfg, sink, zaptest.NewLogger(t))
	t.Cleanup(stop2)
	require.NoError(t, second.Restore(ctx, snap))

	view, err := second.View(pair, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Asks, "the filled sell and the canceled sell stay gone")
	assert.Equal(t, []orderbook.LevelView{{Price: 9900, Amount: 3, Orders: 1}}, view.Bids)

	// the replayed fill is handed to settlement again, identical
	require.Len(t, sink.trades, 1)
	assert.Equal(t, fill.Trades[0], sink.trades[0])

	res, err := second.Submit(ctx, limit(orderbook.Sell, "0.99", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Order.ID)
	require.Len(t, res.Trades, 1)
	assert.Greater(t, res.Trades[0].ID, fill.Trades[0].ID)
	assert.Equal(t, uint64(5), res.Order.Seq)
}

func TestRestoreWithoutSnapshotReplaysEverything(t *testing.T) {
	cfg := journaled(t.TempDir())
	ctx := context.Background()

	first, stop := runEngine(t, cfg, &recordingSink{fail: errors.New("store unavailable")}, zaptest.NewLogger(t))
	t.Cleanup(stop)
	_, err := first.Submit(ctx, limit(orderbook.Sell, "1.00", 4))
	require.NoError(t, err)
	res, err := first.Submit(ctx, limit(orderbook.Buy, "1.00", 4))
	require.NoError(t, err)
	require.Error(t, res.SettlementErr)
	stop()

	// trades the sink refused are queued again by the replay
	sink := &recordingSink{}
	second, stop2 := runEngine(t, cfg, sink, zaptest.NewLogger(t))
	t.Cleanup(stop2)
	require.NoError(t, second.Restore(ctx, orderbook.BookSnapshot{Pair: pair}))
	assert.Equal(t, []uint64{res.Trades[0].ID}, sink.ids())

	view, err := second.View(pair, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Asks)
	assert.Empty(t, view.Bids)
}

func TestJournalFailureHaltsMarket(t *testing.T) {
	sink := &recordingSink{}
	e := startEngine(t, journaled(t.TempDir()), sink)
	ctx := context.Background()

	_, err := e.Submit(ctx, limit(orderbook.Sell, "1.00", 4))
	require.NoError(t, err)
	m, err := e.Market(pair)
	require.NoError(t, err)
	require.NoError(t, m.journal.Close())

	_, err = e.Submit(ctx, limit(orderbook.Buy, "1.00", 4))
	require.ErrorIs(t, err, ErrMarketHalted)
	require.ErrorIs(t, err, ErrJournal)
	assert.Empty(t, sink.ids(), "an unjournaled trade never reaches settlement")
}

func TestCompactJournal(t *testing.T) {
	dir := t.TempDir()
	e := startEngine(t, journaled(dir), &recordingSink{})
	ctx := context.Background()
	files := func() int {
		paths, err := filepath.Glob(filepath.Join(dir, pair, "segment-*.wal"))
		require.NoError(t, err)
		return len(paths)
	}

	for i := 0; i < 20; i++ {
		_, err := e.Submit(ctx, limit(orderbook.Buy, "0.50", 1))
		require.NoError(t, err)
	}
	require.Greater(t, files(), 1)
	snap, err := e.Snapshot(ctx, pair)
	require.NoError(t, err)
	require.NoError(t, e.CompactJournal(pair, snap.Journal))
	assert.Equal(t, 1, files(), "only the segment being written is left")

	m, err := e.Market(pair)
	require.NoError(t, err)
	removed, err := m.CompactJournal(snap.Journal)
	require.NoError(t, err)
	assert.Zero(t, removed, "already compacted")

	// what is left replays cleanly over the snapshot
	require.NoError(t, e.Restore(ctx, snap))
	view, err := e.View(pair, 0)
	require.NoError(t, err)
	assert.Equal(t, []orderbook.LevelView{{Price: 5000, Amount: 20, Orders: 20}}, view.Bids)
}
