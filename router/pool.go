package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydra/domain/orderbook"
)

// ErrQuoteRejected marks a quote or swap the router will not use: empty,
// stale, or outside the order's limit.
var ErrQuoteRejected = errors.New("router: quote rejected")

// Quote is the pool's offer for an amount of the base asset. AmountOut
// is how much of the requested amount the pool can execute; Price is the
// average execution price in ticks.
type Quote struct {
	AmountOut int64
	Price     int64
}

type SwapRequest struct {
	Pair   string
	Side   orderbook.Side
	Amount int64
	// MinOut is the smallest execution the caller accepts.
	MinOut   int64
	Deadline time.Time
}

// SwapResult is a settled swap. Price may be zero when the pool does not
// report one; the quote price is used instead.
type SwapResult struct {
	AmountOut int64
	Price     int64
	Reference string
}

// LiquidityPool is the external AMM. Its pricing curve is its own
// business; the router only consumes quotes and swaps.
type LiquidityPool interface {
	Quote(ctx context.Context, pair string, side orderbook.Side, amount int64) (Quote, error)
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
}

// SimulatedPool is a flat-priced pool with finite capacity per pair, for
// tests and local runs.
type SimulatedPool struct {
	mu       sync.Mutex
	price    map[string]int64
	capacity map[string]int64
	latency  time.Duration
	fail     error
	quotes   int
	swaps    int
}

func NewSimulatedPool(latency time.Duration) *SimulatedPool {
	return &SimulatedPool{
		price:    make(map[string]int64),
		capacity: make(map[string]int64),
		latency:  latency,
	}
}

// SetMarket sets the flat price and the remaining capacity of pair.
func (p *SimulatedPool) SetMarket(pair string, price, capacity int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price[pair] = price
	p.capacity[pair] = capacity
}

// FailWith makes every call fail with err until reset with nil.
func (p *SimulatedPool) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *SimulatedPool) Quotes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quotes
}

func (p *SimulatedPool) Swaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swaps
}

func (p *SimulatedPool) Quote(ctx context.Context, pair string, side orderbook.Side, amount int64) (Quote, error) {
	if err := p.wait(ctx); err != nil {
		return Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes++
	if p.fail != nil {
		return Quote{}, p.fail
	}
	price, ok := p.price[pair]
	if !ok {
		return Quote{}, fmt.Errorf("no pool for %s", pair)
	}
	return Quote{AmountOut: min(amount, p.capacity[pair]), Price: price}, nil
}

func (p *SimulatedPool) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	if err := p.wait(ctx); err != nil {
		return SwapResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return SwapResult{}, p.fail
	}
	price, ok := p.price[req.Pair]
	if !ok {
		return SwapResult{}, fmt.Errorf("no pool for %s", req.Pair)
	}
	out := min(req.Amount, p.capacity[req.Pair])
	if out < req.MinOut {
		return SwapResult{}, fmt.Errorf("%w: %d available, %d required", ErrQuoteRejected, out, req.MinOut)
	}
	p.capacity[req.Pair] -= out
	p.swaps++
	return SwapResult{AmountOut: out, Price: price, Reference: uuid.NewString()}, nil
}

func (p *SimulatedPool) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
