package orderbook

// LevelView is an aggregated price level.
type LevelView struct {
	Price  int64
	Amount int64
	Orders int
}

// BookView is a copied, read-only depth view. It shares nothing with the
// live book.
type BookView struct {
	Pair string
	Seq  uint64
	Bids []LevelView // best first
	Asks []LevelView // best first
}

// Truncate returns v limited to depth levels per side. depth <= 0 keeps all.
// The result is a fresh copy.
func (v *BookView) Truncate(depth int) BookView {
	out := BookView{Pair: v.Pair, Seq: v.Seq}
	out.Bids = cloneLevels(v.Bids, depth)
	out.Asks = cloneLevels(v.Asks, depth)
	return out
}

func cloneLevels(in []LevelView, depth int) []LevelView {
	if depth <= 0 || depth > len(in) {
		depth = len(in)
	}
	out := make([]LevelView, depth)
	copy(out, in[:depth])
	return out
}

// BookSnapshot is the full resting state of a book, in priority order:
// bids best first then asks best first, FIFO within each level.
type BookSnapshot struct {
	Pair    string
	Seq     uint64
	TakenAt int64
	// Journal is the last command journal record the snapshot reflects.
	Journal uint64
	Orders  []Order
}
