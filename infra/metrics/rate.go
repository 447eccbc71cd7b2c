package metrics

import (
	"sync"
	"time"
)

// Rate counts events in one-second buckets over a rolling window. A window
// of n buckets reports the average of the last n-1 complete seconds.
type Rate struct {
	mu      sync.Mutex
	buckets []int64
	stamps  []int64 // unix second each bucket belongs to
	now     func() time.Time
}

func NewRate(windowSeconds int) *Rate {
	if windowSeconds < 2 {
		windowSeconds = 2
	}
	return &Rate{
		buckets: make([]int64, windowSeconds),
		stamps:  make([]int64, windowSeconds),
		now:     time.Now,
	}
}

func (r *Rate) Add(n int64) {
	sec := r.now().Unix()
	i := int(sec % int64(len(r.buckets)))

	r.mu.Lock()
	if r.stamps[i] != sec {
		r.stamps[i] = sec
		r.buckets[i] = 0
	}
	r.buckets[i] += n
	r.mu.Unlock()
}

// PerSecond averages the completed seconds of the window; the current,
// partial second is excluded.
func (r *Rate) PerSecond() float64 {
	sec := r.now().Unix()
	window := int64(len(r.buckets))

	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for i, stamp := range r.stamps {
		if stamp < sec && sec-stamp < window {
			total += r.buckets[i]
		}
	}
	return float64(total) / float64(window-1)
}
