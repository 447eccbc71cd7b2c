package engine

import (
	"sync/atomic"

	"hydra/domain/orderbook"
)

type cmdKind uint8

const (
	cmdSubmit cmdKind = iota + 1
	cmdCancel
	cmdLiquidity
	cmdSnapshot
	cmdRestore
)

// Command handoff states. The caller may abandon a pending command; once
// the sequencer has claimed it the caller must wait for the reply.
const (
	statePending uint32 = iota
	stateRunning
	stateAbandoned
)

// command is a pooled request/reply record travelling through a market
// inbox. Whoever loses the pending CAS releases it: the sequencer for an
// abandoned command, the caller otherwise.
type command struct {
	kind  cmdKind
	state atomic.Uint32
	done  chan struct{}

	// inputs
	req       OrderRequest
	orderID   uint64
	side      orderbook.Side
	impactBps int64
	limit     int64
	restore   *orderbook.BookSnapshot

	// outputs
	result   Result
	order    orderbook.Order
	liq      Liquidity
	snapshot orderbook.BookSnapshot
	replayed Replayed
	err      error
}

func newCommand() *command {
	return &command{done: make(chan struct{}, 1)}
}

func resetCommand(c *command) {
	*c = command{done: c.done}
}
