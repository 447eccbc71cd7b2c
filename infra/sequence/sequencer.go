package sequence

import "sync/atomic"

// Sequencer generates strictly monotonic IDs.
// It is deterministic and restart-safe once seeded from recovered state.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer starting from a given value.
// On fresh start → start = 0
// On recovery → start = highest ID found in persisted state
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next ID.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued ID.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// AdvanceTo raises the sequencer to at least v. IDs already issued are
// never reissued, so concurrent callers of Next stay unique.
func (s *Sequencer) AdvanceTo(v uint64) {
	for {
		cur := s.next.Load()
		if cur >= v || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
