// Package snapshot persists copied order book state through the
// key-value interface so a market can be rebuilt after a crash or a
// halt. It never touches a live book: it only stores the
// orderbook.BookSnapshot values the market sequencers hand out.
package snapshot
