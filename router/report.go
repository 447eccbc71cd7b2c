package router

import (
	"github.com/shopspring/decimal"

	"hydra/domain/orderbook"
	"hydra/engine"
)

// Fragment is one venue's share of an order.
type Fragment struct {
	Venue  Venue
	Amount int64
	// Price is the fragment's average price in ticks.
	Price     int64
	Trades    []orderbook.Trade
	Reference string // external swaps only
}

// ExecutionReport aggregates the fragments of one routed order.
type ExecutionReport struct {
	Fragments   []Fragment
	TotalFilled int64
	// Unfilled is the explicit unmet remainder. It is zero for a limit
	// order whose remainder rests on the book.
	Unfilled int64
	Resting  int64
	// VWAP is the volume-weighted average price across all fragments.
	VWAP decimal.Decimal
	// PriceImpactBps is |VWAP - mid| / mid relative to the pre-trade mid.
	PriceImpactBps decimal.Decimal
	// ExternalError is why the external leg did not run or fell short.
	ExternalError error

	// Book is the engine's result for the book fragment, if any.
	Book *engine.Result
}

func (r *ExecutionReport) addBook(res engine.Result) {
	r.Book = &res
	filled := res.Order.Filled()
	if filled == 0 {
		return
	}
	var notional int64
	for i := range res.Trades {
		notional += res.Trades[i].Notional()
	}
	r.Fragments = append(r.Fragments, Fragment{
		Venue:  VenueBook,
		Amount: filled,
		Price:  notional / filled,
		Trades: res.Trades,
	})
	r.TotalFilled += filled
}

// finish derives the aggregate figures once all fragments are in. ref is
// the pre-trade reference price in ticks; zero leaves impact at zero.
func (r *ExecutionReport) finish(amount, ref int64) {
	if r.Book != nil && r.Book.Order.Kind.Rests() {
		r.Resting = r.Book.Order.Remaining // unfilled remainder of a limit order rests
	}
	r.Unfilled = amount - r.TotalFilled - r.Resting
	if r.TotalFilled == 0 {
		return
	}

	var notional decimal.Decimal
	for i := range r.Fragments {
		f := &r.Fragments[i]
		if f.Venue == VenueBook && len(f.Trades) > 0 {
			for j := range f.Trades {
				t := &f.Trades[j]
				notional = notional.Add(decimal.NewFromInt(t.Price).Mul(decimal.NewFromInt(t.Amount)))
			}
			continue
		}
		notional = notional.Add(decimal.NewFromInt(f.Price).Mul(decimal.NewFromInt(f.Amount)))
	}
	vwapTicks := notional.Div(decimal.NewFromInt(r.TotalFilled))
	r.VWAP = vwapTicks.Div(decimal.NewFromInt(orderbook.PriceScale))
	if ref > 0 {
		r.PriceImpactBps = bps(vwapTicks, decimal.NewFromInt(ref)).Round(2)
	}
}
