package settlement

import (
	"context"

	"hydra/domain/orderbook"
)

// Instruction is what the network is asked to settle. TradeID is the
// dedupe key: the network must treat two instructions with the same id
// as one settlement.
type Instruction struct {
	TradeID uint64
	Trade   orderbook.Trade
}

// Network submits settlement instructions. Submit may be slow and may
// fail; classify failures with Temporary or Permanent.
//
// Delivery is at least once. A job interrupted after Submit returned but
// before it was marked settled is submitted again on the next start
// unless the network also implements Reconciler and finds it.
type Network interface {
	Submit(ctx context.Context, in Instruction) (reference string, err error)
}

// Reconciler is implemented by networks that can answer whether a trade
// was already settled. The queue asks before resubmitting a job that
// had attempts before a restart.
type Reconciler interface {
	Lookup(ctx context.Context, tradeID uint64) (reference string, found bool, err error)
}
