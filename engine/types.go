package engine

import (
	"errors"
	"fmt"
	"time"

	"hydra/domain/orderbook"
	"hydra/infra/memory"
)

var (
	// ErrMarketHalted is returned for every command on a market whose
	// book failed an invariant, until Restore succeeds.
	ErrMarketHalted = errors.New("engine: market halted")
	ErrStopped      = errors.New("engine: market stopped")
	ErrUnknownPair  = errors.New("engine: unknown pair")
	// ErrJournal halts a market whose command could not be journaled.
	ErrJournal = errors.New("engine: journal write failed")
)

type Config struct {
	// Pairs lists the instruments the engine serves. Empty accepts any pair.
	Pairs     []string `yaml:"pairs"`
	InboxSize int      `yaml:"inbox_size"`
	// ViewDepth bounds the levels per side in the published book view.
	ViewDepth int `yaml:"view_depth"`
	// RetireRing is the capacity of each market's retired-order ring; a
	// power of two.
	RetireRing uint64 `yaml:"retire_ring"`
	// Orders sizes each market's order record pool.
	Orders memory.Config `yaml:"orders"`
	// AcquireRetries bounds the backoff a caller spends waiting for a
	// command record or an order record before failing.
	AcquireRetries int           `yaml:"acquire_retries"`
	AcquireBackoff time.Duration `yaml:"acquire_backoff"`
	// CheckInvariants walks the whole book after every mutating command.
	CheckInvariants bool          `yaml:"check_invariants"`
	Journal         JournalConfig `yaml:"journal"`
}

func DefaultConfig() Config {
	return Config{
		InboxSize:      4096,
		ViewDepth:      50,
		RetireRing:     1 << 12,
		Orders:         memory.Config{Initial: 1 << 14, Max: 1 << 20},
		AcquireRetries: 3,
		AcquireBackoff: time.Millisecond,
	}
}

func (c Config) Validate() error {
	switch {
	case c.InboxSize < 1:
		return errors.New("engine: inbox_size must be at least 1")
	case c.RetireRing == 0 || c.RetireRing&(c.RetireRing-1) != 0:
		return fmt.Errorf("engine: retire_ring %d must be a power of two", c.RetireRing)
	case c.Orders.Max < 1 && c.Orders.Initial < 1:
		return errors.New("engine: orders pool must allow at least one record")
	case c.AcquireRetries < 0:
		return errors.New("engine: acquire_retries is negative")
	case c.Journal.SegmentSize < 0:
		return errors.New("engine: journal segment_size is negative")
	}
	return nil
}

// OrderRequest is an order as submitted by a client. ID zero asks the
// engine to assign one.
type OrderRequest struct {
	ID     uint64
	Pair   string
	Side   orderbook.Side
	Kind   orderbook.Kind
	Amount int64
	UserID uint64
}

// Result is the outcome of one accepted order.
type Result struct {
	// Order is the final state of the order after matching.
	Order  orderbook.Order
	Trades []orderbook.Trade
	// JobIDs holds the settlement job id of each trade, index aligned.
	JobIDs []uint64
	// Mid is the pre-trade midpoint, zero when the book was one-sided.
	Mid int64
	// SettlementErr is the first error from handing trades to settlement.
	// The trades still happened; affected jobs are stored as failed.
	SettlementErr error
}

// Unfilled is the amount that neither executed nor rests: the discarded
// remainder of a market or IOC order.
func (r *Result) Unfilled() int64 {
	if r.Order.Kind.Rests() {
		return 0
	}
	return r.Order.Remaining
}

// Liquidity describes what the book offers a taker within a price tolerance.
type Liquidity struct {
	Mid int64
	// Reference is the mid, or the best opposite price on a one-sided book.
	// Zero when the opposite side is empty.
	Reference int64
	// LimitPrice is the worst price within tolerance, capped by the order limit.
	LimitPrice int64
	Available  int64
}

// TradeSink receives every trade in execution order, on the sequencer.
// Enqueue must not block.
type TradeSink interface {
	Enqueue(t orderbook.Trade) (jobID uint64, err error)
}
