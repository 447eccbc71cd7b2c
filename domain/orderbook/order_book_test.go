package orderbook

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydra/infra/sequence"
)

const pair = "X-Y"

type testBook struct {
	*OrderBook
	done   []uint64
	nextID uint64
}

func newTestBook(t testing.TB) *testBook {
	t.Helper()
	tb := &testBook{}
	tb.OrderBook = New(pair, sequence.New(0),
		WithClock(func() int64 { return 1 }),
		WithDoneHook(func(o *Order) { tb.done = append(tb.done, o.ID) }),
	)
	return tb
}

func (tb *testBook) submit(t testing.TB, side Side, kind Kind, amount int64) (*Order, []Trade) {
	t.Helper()
	tb.nextID++
	o := &Order{ID: tb.nextID, Pair: pair, Side: side, Kind: kind, Amount: amount, UserID: tb.nextID}
	trades, err := tb.Submit(o, nil)
	require.NoError(t, err)
	require.NoError(t, tb.CheckInvariants())
	return o, trades
}

func px(s string) int64 {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func TestLimitPartialFillRests(t *testing.T) {
	book := newTestBook(t)

	sell, trades := book.submit(t, Sell, LimitAt(px("1.01")), 50)
	assert.Empty(t, trades)
	assert.Equal(t, StatusResting, sell.Status)

	buy, trades := book.submit(t, Buy, LimitAt(px("1.01")), 75)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(50), trades[0].Amount)
	assert.Equal(t, px("1.01"), trades[0].Price)
	assert.Equal(t, sell.ID, trades[0].SellOrderID)
	assert.Equal(t, buy.ID, trades[0].BuyOrderID)
	assert.Equal(t, Buy, trades[0].TakerSide)

	assert.Equal(t, StatusFilled, sell.Status)
	assert.Equal(t, int64(25), buy.Remaining)
	assert.Equal(t, StatusPartiallyFilled, buy.Status)
	assert.True(t, buy.IsResting())

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, px("1.01"), bid)
	_, ok = book.BestAsk()
	assert.False(t, ok)
	assert.Equal(t, []uint64{sell.ID}, book.done)
}

func TestMarketWalksLevels(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Sell, LimitAt(px("1.00")), 20)
	book.submit(t, Sell, LimitAt(px("1.02")), 30)

	buy, trades := book.submit(t, Buy, MarketKind(), 35)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(20), trades[0].Amount)
	assert.Equal(t, px("1.00"), trades[0].Price)
	assert.Equal(t, int64(15), trades[1].Amount)
	assert.Equal(t, px("1.02"), trades[1].Price)

	assert.Equal(t, StatusFilled, buy.Status)
	assert.Zero(t, buy.Remaining)

	view := book.View(0)
	assert.Equal(t, []LevelView{{Price: px("1.02"), Amount: 15, Orders: 1}}, view.Asks)
	assert.Empty(t, view.Bids)
}

func TestMarketRemainderDiscarded(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Buy, LimitAt(px("0.99")), 10)

	sell, trades := book.submit(t, Sell, MarketKind(), 25)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(15), sell.Remaining)
	assert.Equal(t, StatusPartiallyFilled, sell.Status)
	assert.False(t, sell.IsResting())
	assert.Zero(t, book.Len())
	assert.Contains(t, book.done, sell.ID)

	empty, trades := book.submit(t, Sell, MarketKind(), 5)
	assert.Empty(t, trades)
	assert.Equal(t, StatusCanceled, empty.Status)
}

func TestIOCStopsAtLimit(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Sell, LimitAt(px("1.00")), 10)
	book.submit(t, Sell, LimitAt(px("1.05")), 10)

	ioc, trades := book.submit(t, Buy, ImmediateAt(px("1.02")), 30)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(20), ioc.Remaining)
	assert.Equal(t, StatusPartiallyFilled, ioc.Status)
	assert.False(t, ioc.IsResting())
	assert.Equal(t, 1, book.Len())
}

func TestLimitDoesNotTradeThroughPrice(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Sell, LimitAt(px("1.05")), 10)

	buy, trades := book.submit(t, Buy, LimitAt(px("1.04")), 10)
	assert.Empty(t, trades)
	assert.Equal(t, StatusResting, buy.Status)
	assert.Equal(t, 2, book.Len())
}

func TestPriceTimePriority(t *testing.T) {
	book := newTestBook(t)
	first, _ := book.submit(t, Sell, LimitAt(px("1.01")), 10)
	second, _ := book.submit(t, Sell, LimitAt(px("1.01")), 10)
	better, _ := book.submit(t, Sell, LimitAt(px("1.00")), 10)

	_, trades := book.submit(t, Buy, LimitAt(px("1.01")), 25)
	require.Len(t, trades, 3)
	assert.Equal(t, better.ID, trades[0].SellOrderID)
	assert.Equal(t, px("1.00"), trades[0].Price)
	assert.Equal(t, first.ID, trades[1].SellOrderID)
	assert.Equal(t, second.ID, trades[2].SellOrderID)
	assert.Equal(t, int64(5), trades[2].Amount)
	assert.Equal(t, int64(5), second.Remaining)
}

func TestSellTakerHitsHighestBid(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Buy, LimitAt(px("0.98")), 10)
	high, _ := book.submit(t, Buy, LimitAt(px("0.99")), 10)

	sell, trades := book.submit(t, Sell, LimitAt(px("0.95")), 5)
	require.Len(t, trades, 1)
	assert.Equal(t, high.ID, trades[0].BuyOrderID)
	assert.Equal(t, px("0.99"), trades[0].Price, "trades execute at the maker price")
	assert.Equal(t, sell.UserID, trades[0].SellUserID)
	assert.Equal(t, Sell, trades[0].TakerSide)
}

func TestCancel(t *testing.T) {
	book := newTestBook(t)
	o, _ := book.submit(t, Buy, LimitAt(px("1.00")), 10)
	keep, _ := book.submit(t, Buy, LimitAt(px("1.00")), 7)

	got, err := book.Cancel(o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.Equal(t, int64(10), got.Remaining)
	require.NoError(t, book.CheckInvariants())
	assert.Equal(t, []LevelView{{Price: px("1.00"), Amount: 7, Orders: 1}}, book.View(0).Bids)

	_, err = book.Cancel(o.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)

	_, err = book.Cancel(keep.ID)
	require.NoError(t, err)
	assert.Zero(t, book.Bids.Size(), "empty level must be removed")
}

func TestCancelFilledOrder(t *testing.T) {
	book := newTestBook(t)
	sell, _ := book.submit(t, Sell, LimitAt(px("1.00")), 10)
	book.submit(t, Buy, MarketKind(), 10)

	_, err := book.Cancel(sell.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)
	_, err = book.Cancel(9999)
	assert.ErrorIs(t, err, ErrNotCancelable)
}

func TestValidationReasons(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Buy, LimitAt(px("1.00")), 1)

	cases := []struct {
		name   string
		order  Order
		reason Reason
	}{
		{"zero amount", Order{ID: 10, Pair: pair, Side: Buy, Kind: MarketKind()}, ReasonInvalidAmount},
		{"negative amount", Order{ID: 10, Pair: pair, Side: Buy, Kind: MarketKind(), Amount: -3}, ReasonInvalidAmount},
		{"zero price", Order{ID: 10, Pair: pair, Side: Buy, Kind: LimitAt(0), Amount: 1}, ReasonInvalidPrice},
		{"negative ioc price", Order{ID: 10, Pair: pair, Side: Sell, Kind: ImmediateAt(-1), Amount: 1}, ReasonInvalidPrice},
		{"no side", Order{ID: 10, Pair: pair, Kind: MarketKind(), Amount: 1}, ReasonInvalidSide},
		{"no kind", Order{ID: 10, Pair: pair, Side: Buy, Amount: 1}, ReasonInvalidKind},
		{"wrong pair", Order{ID: 10, Pair: "A-B", Side: Buy, Kind: MarketKind(), Amount: 1}, ReasonPairMismatch},
		{"duplicate", Order{ID: 1, Pair: pair, Side: Buy, Kind: LimitAt(1), Amount: 1}, ReasonDuplicateID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := book.Seq()
			o := tc.order
			trades, err := book.Submit(&o, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Equal(t, tc.reason, ReasonOf(err))
			assert.Empty(t, trades)
			assert.Equal(t, before, book.Seq(), "rejected orders do not consume a sequence")
			assert.Equal(t, 1, book.Len())
		})
	}
}

func TestLiquidityWithinLimit(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Sell, LimitAt(px("1.00")), 20)
	book.submit(t, Sell, LimitAt(px("1.01")), 20)
	book.submit(t, Sell, LimitAt(px("1.03")), 50)
	book.submit(t, Buy, LimitAt(px("0.99")), 40)

	assert.Equal(t, int64(40), book.Liquidity(Buy, px("1.01")))
	assert.Equal(t, int64(90), book.Liquidity(Buy, 0))
	assert.Equal(t, int64(0), book.Liquidity(Buy, px("0.99")))
	assert.Equal(t, int64(40), book.Liquidity(Sell, px("0.99")))

	mid, ok := book.Mid()
	require.True(t, ok)
	assert.Equal(t, (px("0.99")+px("1.00"))/2, mid)
}

func TestViewDepth(t *testing.T) {
	book := newTestBook(t)
	for i := int64(0); i < 5; i++ {
		book.submit(t, Buy, LimitAt(px("0.90")+i*100), 1)
		book.submit(t, Sell, LimitAt(px("1.10")+i*100), 2)
	}

	v := book.View(3)
	require.Len(t, v.Bids, 3)
	require.Len(t, v.Asks, 3)
	assert.Equal(t, px("0.94"), v.Bids[0].Price)
	assert.Equal(t, px("1.10"), v.Asks[0].Price)

	trunc := v.Truncate(1)
	trunc.Bids[0].Amount = 99
	assert.Equal(t, int64(1), v.Bids[0].Amount, "truncate copies")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Buy, LimitAt(px("0.99")), 10)
	book.submit(t, Buy, LimitAt(px("0.99")), 12)
	book.submit(t, Sell, LimitAt(px("1.01")), 30)
	book.submit(t, Buy, MarketKind(), 5)

	snap := book.Snapshot()
	require.Len(t, snap.Orders, 3)
	assert.Equal(t, Buy, snap.Orders[0].Side)
	assert.Equal(t, int64(25), snap.Orders[2].Remaining)

	restored := New(pair, sequence.New(0))
	for i := range snap.Orders {
		o := snap.Orders[i]
		require.NoError(t, restored.Restore(&o))
	}
	restored.SetSeq(snap.Seq)
	require.NoError(t, restored.CheckInvariants())
	assert.Equal(t, book.View(0).Bids, restored.View(0).Bids)
	assert.Equal(t, book.View(0).Asks, restored.View(0).Asks)
	assert.Equal(t, book.Seq(), restored.Seq())

	// FIFO within the level survives the round trip.
	_, trades := (&testBook{OrderBook: restored, nextID: 100}).submit(t, Sell, MarketKind(), 11)
	require.Len(t, trades, 2)
	assert.Equal(t, snap.Orders[0].ID, trades[0].BuyOrderID)
}

func TestRestoreRejectsCrossing(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Sell, LimitAt(px("1.00")), 10)

	o := &Order{ID: 50, Pair: pair, Side: Buy, Kind: LimitAt(px("1.00")), Amount: 5, Remaining: 5, Seq: 9}
	assert.ErrorIs(t, book.Restore(o), ErrInvariant)
}

func TestDrain(t *testing.T) {
	book := newTestBook(t)
	book.submit(t, Buy, LimitAt(px("0.99")), 10)
	book.submit(t, Sell, LimitAt(px("1.01")), 10)
	book.submit(t, Sell, LimitAt(px("1.01")), 10)

	var drained int
	book.Drain(func(o *Order) {
		assert.False(t, o.IsResting())
		drained++
	})
	assert.Equal(t, 3, drained)
	assert.Zero(t, book.Len())
	assert.Zero(t, book.Bids.Size()+book.Asks.Size())
	require.NoError(t, book.CheckInvariants())
}

// Randomized flow checking conservation: every unit an order loses is
// accounted for by a trade, and no remainder ever goes negative.
func TestRandomFlowConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	book := newTestBook(t)
	orders := map[uint64]*Order{}
	traded := map[uint64]int64{}

	for i := 0; i < 2000; i++ {
		side := Side(rng.Intn(2) + 1)
		price := px("1.00") + int64(rng.Intn(21)-10)*10
		amount := int64(rng.Intn(50) + 1)

		var kind Kind
		switch rng.Intn(10) {
		case 0:
			kind = MarketKind()
		case 1:
			kind = ImmediateAt(price)
		default:
			kind = LimitAt(price)
		}

		if rng.Intn(8) == 0 && book.Len() > 0 {
			for id, o := range orders {
				if o.IsResting() {
					_, err := book.Cancel(id)
					require.NoError(t, err)
					break
				}
			}
			continue
		}

		o, trades := book.submit(t, side, kind, amount)
		orders[o.ID] = o
		for _, tr := range trades {
			require.Positive(t, tr.Amount)
			traded[tr.BuyOrderID] += tr.Amount
			traded[tr.SellOrderID] += tr.Amount
		}
	}

	for id, o := range orders {
		require.GreaterOrEqual(t, o.Remaining, int64(0))
		require.Equal(t, o.Filled(), traded[id], "order %d", id)
	}
}

func BenchmarkSubmitLimit(b *testing.B) {
	book := New(pair, sequence.New(0))
	orders := make([]Order, b.N)
	trades := make([]Trade, 0, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := Buy
		price := px("0.99") - int64(i%64)
		if i%2 == 1 {
			side = Sell
			price = px("1.01") + int64(i%64)
		}
		orders[i] = Order{ID: uint64(i + 1), Pair: pair, Side: side, Kind: LimitAt(price), Amount: 10}
		trades, _ = book.Submit(&orders[i], trades[:0])
	}
}

func BenchmarkSubmitCross(b *testing.B) {
	book := New(pair, sequence.New(0))
	orders := make([]Order, b.N)
	trades := make([]Trade, 0, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := Buy
		if i%2 == 1 {
			side = Sell
		}
		orders[i] = Order{ID: uint64(i + 1), Pair: pair, Side: side, Kind: LimitAt(px("1.00")), Amount: 10}
		trades, _ = book.Submit(&orders[i], trades[:0])
	}
}
