package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedNetwork is an in-process settlement network with configurable
// latency and scripted failures. It dedupes by trade id the way a real
// network is required to.
type SimulatedNetwork struct {
	latency time.Duration

	mu       sync.Mutex
	fail     func(tradeID uint64, attempt int) error
	attempts map[uint64]int
	settled  map[uint64]string
	accepted int // successful submissions that settled something new
}

func NewSimulatedNetwork(latency time.Duration) *SimulatedNetwork {
	return &SimulatedNetwork{
		latency:  latency,
		attempts: make(map[uint64]int),
		settled:  make(map[uint64]string),
	}
}

// FailWith installs a failure script consulted on every submission.
// attempt starts at 1. A nil error lets the submission through.
func (n *SimulatedNetwork) FailWith(fn func(tradeID uint64, attempt int) error) {
	n.mu.Lock()
	n.fail = fn
	n.mu.Unlock()
}

func (n *SimulatedNetwork) Submit(ctx context.Context, in Instruction) (string, error) {
	if n.latency > 0 {
		t := time.NewTimer(n.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", Temporary("settlement timeout", ctx.Err())
		case <-t.C:
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.attempts[in.TradeID]++
	if n.fail != nil {
		if err := n.fail(in.TradeID, n.attempts[in.TradeID]); err != nil {
			return "", err
		}
	}
	if ref, ok := n.settled[in.TradeID]; ok {
		return ref, nil
	}
	ref := uuid.NewString()
	n.settled[in.TradeID] = ref
	n.accepted++
	return ref, nil
}

func (n *SimulatedNetwork) Lookup(_ context.Context, tradeID uint64) (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref, ok := n.settled[tradeID]
	return ref, ok, nil
}

// Attempts returns how many submissions were made for tradeID.
func (n *SimulatedNetwork) Attempts(tradeID uint64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[tradeID]
}

// Settlements returns the number of distinct trades settled.
func (n *SimulatedNetwork) Settlements() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted
}
