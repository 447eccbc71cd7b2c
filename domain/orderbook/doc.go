// Package orderbook is the deterministic, single-writer limit order book
// for one instrument.
//
// Bids are kept best (highest) price first, asks best (lowest) price
// first, each price level a strict FIFO. Matching follows price-time
// priority and every maker/taker pairing yields one Trade at the maker's
// resting price. The book never locks: it is owned by exactly one
// sequencer goroutine, see package engine.
package orderbook
