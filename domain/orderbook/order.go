package orderbook

type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) valid() bool {
	return s == Buy || s == Sell
}

type kindTag uint8

const (
	kindInvalid kindTag = iota
	kindMarket
	kindLimit
	kindIOC
)

// Kind is the closed order-type variant. The zero Kind is invalid; the
// only way to build one is MarketKind, LimitAt or ImmediateAt, so a limit
// without a price cannot be expressed.
type Kind struct {
	tag   kindTag
	price int64
}

// MarketKind consumes liquidity at any price and never rests.
func MarketKind() Kind { return Kind{tag: kindMarket} }

// LimitAt matches at price or better and rests any remainder.
func LimitAt(price int64) Kind { return Kind{tag: kindLimit, price: price} }

// ImmediateAt matches at price or better and discards any remainder.
func ImmediateAt(price int64) Kind { return Kind{tag: kindIOC, price: price} }

func (k Kind) IsMarket() bool { return k.tag == kindMarket }
func (k Kind) IsLimit() bool  { return k.tag == kindLimit }
func (k Kind) IsIOC() bool    { return k.tag == kindIOC }

// Price returns the limit price; ok is false for market orders.
func (k Kind) Price() (price int64, ok bool) {
	if k.tag == kindLimit || k.tag == kindIOC {
		return k.price, true
	}
	return 0, false
}

// Rests reports whether an unfilled remainder is inserted into the book.
func (k Kind) Rests() bool { return k.tag == kindLimit }

func (k Kind) String() string {
	switch k.tag {
	case kindMarket:
		return "market"
	case kindLimit:
		return "limit"
	case kindIOC:
		return "ioc"
	default:
		return "invalid"
	}
}

type Status uint8

const (
	StatusNew Status = iota
	StatusResting
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusResting:
		return "resting"
	case StatusPartiallyFilled:
		return "partially-filled"
	case StatusFilled:
		return "filled"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Order is owned by the book's sequencer once submitted. Only Remaining
// and Status change after acceptance.
type Order struct {
	ID          uint64
	Pair        string
	Side        Side
	Kind        Kind
	Amount      int64
	Remaining   int64
	UserID      uint64
	SubmittedAt int64 // unix nanos
	Status      Status

	// Seq is the book's intake sequence, the time half of price-time priority.
	Seq uint64

	level *PriceLevel
	next  *Order
	prev  *Order
}

// Price is the limit price, 0 for market orders.
func (o *Order) Price() int64 {
	p, _ := o.Kind.Price()
	return p
}

func (o *Order) Filled() int64 {
	return o.Amount - o.Remaining
}

// IsResting reports whether the order currently sits in a price level.
func (o *Order) IsResting() bool {
	return o.level != nil
}

// Next is the order behind o in its level, for read-only traversal.
func (o *Order) Next() *Order {
	return o.next
}

// Copy returns a detached value safe to hand outside the sequencer.
func (o *Order) Copy() Order {
	c := *o
	c.level, c.next, c.prev = nil, nil, nil
	return c
}

// Reset clears o for reuse by a record pool.
func (o *Order) Reset() {
	*o = Order{}
}

// Validate checks the order shape. It never looks at the book.
func (o *Order) Validate() error {
	if !o.Side.valid() {
		return reject(ReasonInvalidSide, "side %d", o.Side)
	}
	if o.Amount <= 0 {
		return reject(ReasonInvalidAmount, "amount %d must be positive", o.Amount)
	}
	switch o.Kind.tag {
	case kindMarket:
	case kindLimit, kindIOC:
		if o.Kind.price <= 0 {
			return reject(ReasonInvalidPrice, "%s price %d must be positive", o.Kind, o.Kind.price)
		}
	default:
		return reject(ReasonInvalidKind, "order kind not set")
	}
	return nil
}
