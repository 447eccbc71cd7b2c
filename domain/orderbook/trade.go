package orderbook

// SettlementStatus tracks a trade through the settlement queue. Only the
// settlement queue moves it past SettlementQueued.
type SettlementStatus uint8

const (
	SettlementQueued SettlementStatus = iota
	SettlementProcessing
	SettlementSettled
	SettlementFailed
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementQueued:
		return "queued"
	case SettlementProcessing:
		return "processing"
	case SettlementSettled:
		return "settled"
	case SettlementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is expected.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementSettled || s == SettlementFailed
}

// Trade is the record of one match between a taker and a resting maker.
// It executes at the maker's price.
type Trade struct {
	ID          uint64
	Pair        string
	Price       int64
	Amount      int64
	BuyOrderID  uint64
	SellOrderID uint64
	BuyUserID   uint64
	SellUserID  uint64
	TakerSide   Side
	ExecutedAt  int64 // unix nanos

	Settlement SettlementStatus
}

// Notional is Price*Amount in ticks·lots.
func (t *Trade) Notional() int64 {
	return t.Price * t.Amount
}
