package orderbook

import (
	"fmt"
	"time"
)

// IDSource hands out trade identities.
type IDSource interface {
	Next() uint64
}

type Option func(*OrderBook)

// WithClock overrides the unix-nanos clock stamped on orders and trades.
func WithClock(now func() int64) Option {
	return func(b *OrderBook) { b.now = now }
}

// WithDoneHook registers fn, called once for every order that leaves
// the book for good: filled makers, canceled orders and takers that did
// not rest. fn runs on the sequencer and must not block.
func WithDoneHook(fn func(*Order)) Option {
	return func(b *OrderBook) { b.done = fn }
}

// OrderBook is single-writer and deterministic.
type OrderBook struct {
	Pair string
	Bids *RBTree
	Asks *RBTree

	orders map[uint64]*Order
	seq    uint64

	ids  IDSource
	now  func() int64
	done func(*Order)
}

func New(pair string, ids IDSource, opts ...Option) *OrderBook {
	b := &OrderBook{
		Pair:   pair,
		Bids:   NewRBTree(),
		Asks:   NewRBTree(),
		orders: make(map[uint64]*Order),
		ids:    ids,
		now:    func() int64 { return time.Now().UnixNano() },
		done:   func(*Order) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Seq returns the intake sequence of the last accepted order.
func (b *OrderBook) Seq() uint64 {
	return b.seq
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	return len(b.orders)
}

// ---- commands ----

// Submit matches o against the opposite side and rests the remainder of
// a limit order. Trades are appended to trades in execution order. On a
// validation error the book is untouched and o still belongs to the caller.
func (b *OrderBook) Submit(o *Order, trades []Trade) ([]Trade, error) {
	if err := o.Validate(); err != nil {
		return trades, err
	}
	if o.Pair != b.Pair {
		return trades, reject(ReasonPairMismatch, "order pair %q, book pair %q", o.Pair, b.Pair)
	}
	if _, dup := b.orders[o.ID]; dup {
		return trades, reject(ReasonDuplicateID, "order %d already resting", o.ID)
	}

	b.seq++
	o.Seq = b.seq
	o.Remaining = o.Amount
	o.Status = StatusNew
	if o.SubmittedAt == 0 {
		o.SubmittedAt = b.now()
	}

	trades, err := b.match(o, trades)
	if err != nil {
		return trades, err
	}

	switch {
	case o.Remaining == 0:
		o.Status = StatusFilled
		b.done(o)
	case o.Kind.Rests():
		if o.Filled() > 0 {
			o.Status = StatusPartiallyFilled
		} else {
			o.Status = StatusResting
		}
		b.rest(o)
	default:
		// Market and IOC remainders are discarded, never rested.
		if o.Filled() > 0 {
			o.Status = StatusPartiallyFilled
		} else {
			o.Status = StatusCanceled
		}
		b.done(o)
	}
	return trades, nil
}

// Cancel removes a resting order and returns its final state.
func (b *OrderBook) Cancel(id uint64) (Order, error) {
	o, ok := b.orders[id]
	if !ok || o.level == nil {
		return Order{}, fmt.Errorf("%w: order %d is not resting", ErrNotCancelable, id)
	}

	lvl := o.level
	lvl.Remove(o)
	if lvl.Empty() {
		b.tree(o.Side).DeleteLevel(lvl.Price)
	}
	delete(b.orders, id)

	o.Status = StatusCanceled
	out := o.Copy()
	b.done(o)
	return out, nil
}

// Restore inserts a resting order taken from a snapshot without matching.
// Orders must be restored in snapshot (priority) order.
func (b *OrderBook) Restore(o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if !o.Kind.Rests() || o.Remaining <= 0 || o.Remaining > o.Amount {
		return invariant("order %d cannot rest with remaining %d of %d", o.ID, o.Remaining, o.Amount)
	}
	if o.Pair != b.Pair {
		return reject(ReasonPairMismatch, "order pair %q, book pair %q", o.Pair, b.Pair)
	}
	if _, dup := b.orders[o.ID]; dup {
		return reject(ReasonDuplicateID, "order %d already resting", o.ID)
	}
	if best := b.tree(o.Side.Opposite()).Best(o.Side.Opposite() == Buy); best != nil && crosses(o.Side, o.Price(), best.Price) {
		return invariant("restored order %d at %d crosses %d", o.ID, o.Price(), best.Price)
	}

	b.rest(o)
	if o.Seq > b.seq {
		b.seq = o.Seq
	}
	return nil
}

// SetSeq moves the intake sequence forward after a restore.
func (b *OrderBook) SetSeq(seq uint64) {
	if seq > b.seq {
		b.seq = seq
	}
}

// Drain removes every resting order, handing each to fn, and leaves the
// book empty. The done hook is not called.
func (b *OrderBook) Drain(fn func(*Order)) {
	for _, tree := range [...]*RBTree{b.Bids, b.Asks} {
		tree.ForEachAscending(func(lvl *PriceLevel) bool {
			for o := lvl.head; o != nil; {
				next := o.next
				o.level, o.next, o.prev = nil, nil, nil
				fn(o)
				o = next
			}
			return true
		})
		tree.Clear()
	}
	clear(b.orders)
}

// ---- matching ----

func (b *OrderBook) match(o *Order, trades []Trade) ([]Trade, error) {
	book := b.tree(o.Side.Opposite())
	descending := o.Side == Sell // a seller hits the highest bid first
	limit, hasLimit := o.Kind.Price()

	for o.Remaining > 0 {
		lvl := book.Best(descending)
		if lvl == nil {
			break
		}
		if hasLimit && !crosses(o.Side, limit, lvl.Price) {
			break
		}

		maker := lvl.Head()
		if maker == nil {
			return trades, invariant("empty level %d left in %s book", lvl.Price, o.Side.Opposite())
		}
		qty := min(o.Remaining, maker.Remaining)
		if qty <= 0 {
			return trades, invariant("fill of %d between taker %d and maker %d", qty, o.ID, maker.ID)
		}

		trades = append(trades, b.trade(o, maker, lvl.Price, qty))
		o.Remaining -= qty
		maker.Remaining -= qty
		lvl.TotalQty -= qty
		if o.Remaining < 0 || maker.Remaining < 0 || lvl.TotalQty < 0 {
			return trades, invariant("negative remaining after fill of %d (taker %d, maker %d)", qty, o.ID, maker.ID)
		}

		if maker.Remaining > 0 {
			maker.Status = StatusPartiallyFilled
			continue
		}
		maker.Status = StatusFilled
		lvl.PopHead()
		delete(b.orders, maker.ID)
		if lvl.Empty() {
			book.DeleteLevel(lvl.Price)
		}
		b.done(maker)
	}
	return trades, nil
}

func (b *OrderBook) trade(taker, maker *Order, price, qty int64) Trade {
	t := Trade{
		ID:         b.ids.Next(),
		Pair:       b.Pair,
		Price:      price,
		Amount:     qty,
		TakerSide:  taker.Side,
		ExecutedAt: b.now(),
		Settlement: SettlementQueued,
	}
	if taker.Side == Buy {
		t.BuyOrderID, t.BuyUserID = taker.ID, taker.UserID
		t.SellOrderID, t.SellUserID = maker.ID, maker.UserID
	} else {
		t.SellOrderID, t.SellUserID = taker.ID, taker.UserID
		t.BuyOrderID, t.BuyUserID = maker.ID, maker.UserID
	}
	return t
}

func (b *OrderBook) rest(o *Order) {
	b.tree(o.Side).UpsertLevel(o.Price()).Enqueue(o)
	b.orders[o.ID] = o
}

func (b *OrderBook) tree(s Side) *RBTree {
	if s == Buy {
		return b.Bids
	}
	return b.Asks
}

// crosses reports whether a taker on side with limit accepts levelPrice.
func crosses(side Side, limit, levelPrice int64) bool {
	if side == Buy {
		return levelPrice <= limit
	}
	return levelPrice >= limit
}

// ---- queries ----

func (b *OrderBook) BestBid() (int64, bool) {
	if lvl := b.Bids.MaxLevel(); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

func (b *OrderBook) BestAsk() (int64, bool) {
	if lvl := b.Asks.MinLevel(); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// Mid is the midpoint of the touch; ok is false unless both sides exist.
func (b *OrderBook) Mid() (int64, bool) {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if !okb || !oka {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Liquidity sums the resting amount a taker on side could consume at
// limit or better. limit <= 0 means no price bound.
func (b *OrderBook) Liquidity(side Side, limit int64) int64 {
	var total int64
	b.tree(side.Opposite()).Walk(side == Sell, func(lvl *PriceLevel) bool {
		if limit > 0 && !crosses(side, limit, lvl.Price) {
			return false
		}
		total += lvl.TotalQty
		return true
	})
	return total
}

// Get returns a copy of a resting order.
func (b *OrderBook) Get(id uint64) (Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Copy(), true
}

// View copies up to depth aggregated levels per side; depth <= 0 copies all.
func (b *OrderBook) View(depth int) BookView {
	return BookView{
		Pair: b.Pair,
		Seq:  b.seq,
		Bids: levels(b.Bids, true, depth),
		Asks: levels(b.Asks, false, depth),
	}
}

func levels(t *RBTree, descending bool, depth int) []LevelView {
	n := t.Size()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]LevelView, 0, n)
	t.Walk(descending, func(lvl *PriceLevel) bool {
		if len(out) == n {
			return false
		}
		out = append(out, LevelView{Price: lvl.Price, Amount: lvl.TotalQty, Orders: lvl.OrderCount})
		return true
	})
	return out
}

// Snapshot copies every resting order in priority order.
func (b *OrderBook) Snapshot() BookSnapshot {
	s := BookSnapshot{
		Pair:    b.Pair,
		Seq:     b.seq,
		TakenAt: b.now(),
		Orders:  make([]Order, 0, len(b.orders)),
	}
	collect := func(lvl *PriceLevel) bool {
		for o := lvl.head; o != nil; o = o.next {
			s.Orders = append(s.Orders, o.Copy())
		}
		return true
	}
	b.Bids.ForEachDescending(collect)
	b.Asks.ForEachAscending(collect)
	return s
}

// CheckInvariants walks the whole book. It is O(orders) and meant for
// tests, debug builds and post-restore verification.
func (b *OrderBook) CheckInvariants() error {
	count := 0
	check := func(side Side, descending bool) error {
		var (
			err   error
			prev  int64
			first = true
		)
		b.tree(side).Walk(descending, func(lvl *PriceLevel) bool {
			if !first && ((descending && lvl.Price >= prev) || (!descending && lvl.Price <= prev)) {
				err = invariant("%s levels out of order: %d after %d", side, lvl.Price, prev)
				return false
			}
			first, prev = false, lvl.Price
			if lvl.Empty() {
				err = invariant("%s level %d is empty", side, lvl.Price)
				return false
			}

			var (
				sum, n  int64
				lastSeq uint64
			)
			for o := lvl.head; o != nil; o = o.next {
				switch {
				case o.level != lvl:
					err = invariant("order %d not linked to level %d", o.ID, lvl.Price)
				case o.Side != side || o.Price() != lvl.Price:
					err = invariant("order %d (%s@%d) in %s level %d", o.ID, o.Side, o.Price(), side, lvl.Price)
				case o.Remaining <= 0 || o.Remaining > o.Amount:
					err = invariant("order %d remaining %d of %d", o.ID, o.Remaining, o.Amount)
				case o.Seq <= lastSeq:
					err = invariant("level %d not FIFO: seq %d after %d", lvl.Price, o.Seq, lastSeq)
				case b.orders[o.ID] != o:
					err = invariant("order %d missing from index", o.ID)
				}
				if err != nil {
					return false
				}
				lastSeq = o.Seq
				sum += o.Remaining
				n++
			}
			if sum != lvl.TotalQty || int(n) != lvl.OrderCount {
				err = invariant("level %d totals %d/%d, counted %d/%d", lvl.Price, lvl.TotalQty, lvl.OrderCount, sum, n)
				return false
			}
			count += int(n)
			return true
		})
		return err
	}

	if err := check(Buy, true); err != nil {
		return err
	}
	if err := check(Sell, false); err != nil {
		return err
	}
	if count != len(b.orders) {
		return invariant("index holds %d orders, levels hold %d", len(b.orders), count)
	}
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if okb && oka && bid >= ask {
		return invariant("book crossed: bid %d >= ask %d", bid, ask)
	}
	return nil
}
