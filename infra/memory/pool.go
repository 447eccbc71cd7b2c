package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolExhausted is returned by Acquire when every slot up to the
	// configured maximum is owned and reclamation freed nothing.
	ErrPoolExhausted = errors.New("memory: pool exhausted")
	// ErrDoubleRelease is the panic value when a free record is released.
	ErrDoubleRelease = errors.New("memory: record released twice")
	// ErrForeignRecord is the panic value when a record that was never
	// handed out by the pool is released into it.
	ErrForeignRecord = errors.New("memory: record does not belong to pool")
)

// Config sizes a pool.
type Config struct {
	// Initial slots are allocated up front.
	Initial int `yaml:"initial"`
	// Max is the hard ceiling on slots. Zero means Initial.
	Max int `yaml:"max"`
}

func (c Config) normalize() Config {
	if c.Initial < 0 {
		c.Initial = 0
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Max == 0 {
		c.Max = 1
	}
	return c
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	InUse     int
	Free      int
	Capacity  int // slots allocated so far
	Max       int
	Exhausted uint64 // Acquire calls that failed
}

// Utilization is InUse/Max in [0, 1].
func (s Stats) Utilization() float64 {
	if s.Max == 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.Max)
}

// Reclaimer releases records that are retired but not yet returned.
// It is called without the pool lock held and reports how many records
// it handed back.
type Reclaimer func() int

// Pool is a bounded, preallocated arena of *T records.
type Pool[T any] struct {
	mu      sync.Mutex
	records []*T
	owned   []uint64 // bitset, one bit per slot
	free    []int32  // stack of free slot indexes
	index   map[*T]int32
	max     int

	alloc   func() *T
	reset   func(*T)
	reclaim Reclaimer

	exhausted atomic.Uint64
}

// NewPool preallocates cfg.Initial records. reset is applied to a record
// on release and must leave it in its empty state; nil zeroes the record.
func NewPool[T any](cfg Config, reset func(*T)) *Pool[T] {
	return NewPoolFunc(cfg, func() *T { return new(T) }, reset)
}

// NewPoolFunc is NewPool with a custom constructor, for records that
// carry preallocated backing storage.
func NewPoolFunc[T any](cfg Config, alloc func() *T, reset func(*T)) *Pool[T] {
	cfg = cfg.normalize()
	if reset == nil {
		reset = func(v *T) {
			var zero T
			*v = zero
		}
	}

	p := &Pool[T]{
		records: make([]*T, 0, cfg.Max),
		owned:   make([]uint64, (cfg.Max+63)/64),
		free:    make([]int32, 0, cfg.Max),
		index:   make(map[*T]int32, cfg.Max),
		max:     cfg.Max,
		alloc:   alloc,
		reset:   reset,
	}
	for i := 0; i < cfg.Initial; i++ {
		p.grow()
	}
	return p
}

// SetReclaimer registers the best-effort reclamation hook run once by
// Acquire before it reports exhaustion.
func (p *Pool[T]) SetReclaimer(fn Reclaimer) {
	p.mu.Lock()
	p.reclaim = fn
	p.mu.Unlock()
}

// Acquire hands out an empty record. The caller owns it exclusively
// until Release.
func (p *Pool[T]) Acquire() (*T, error) {
	p.mu.Lock()
	if v, ok := p.take(); ok {
		p.mu.Unlock()
		return v, nil
	}
	reclaim := p.reclaim
	p.mu.Unlock()

	if reclaim == nil || reclaim() == 0 {
		p.exhausted.Add(1)
		return nil, fmt.Errorf("%w (max %d)", ErrPoolExhausted, p.max)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.take(); ok {
		return v, nil
	}
	p.exhausted.Add(1)
	return nil, fmt.Errorf("%w (max %d)", ErrPoolExhausted, p.max)
}

// Release resets v and returns it to the free list. Releasing a record
// that is not currently owned is a programming error and panics.
func (p *Pool[T]) Release(v *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.index[v]
	if !ok {
		panic(ErrForeignRecord)
	}
	if !p.isOwned(slot) {
		panic(ErrDoubleRelease)
	}
	p.reset(v)
	p.setOwned(slot, false)
	p.free = append(p.free, slot)
}

// Owned reports whether v is currently handed out.
func (p *Pool[T]) Owned(v *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.index[v]
	return ok && p.isOwned(slot)
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		InUse:     len(p.records) - len(p.free),
		Free:      len(p.free),
		Capacity:  len(p.records),
		Max:       p.max,
		Exhausted: p.exhausted.Load(),
	}
}

// ---- internal, p.mu held ----

func (p *Pool[T]) take() (*T, bool) {
	if len(p.free) == 0 && !p.grow() {
		return nil, false
	}
	n := len(p.free) - 1
	slot := p.free[n]
	p.free = p.free[:n]
	p.setOwned(slot, true)
	return p.records[slot], true
}

func (p *Pool[T]) grow() bool {
	if len(p.records) >= p.max {
		return false
	}
	v := p.alloc()
	slot := int32(len(p.records))
	p.records = append(p.records, v)
	p.index[v] = slot
	p.free = append(p.free, slot)
	return true
}

func (p *Pool[T]) isOwned(slot int32) bool {
	return p.owned[slot>>6]&(1<<(uint(slot)&63)) != 0
}

func (p *Pool[T]) setOwned(slot int32, on bool) {
	if on {
		p.owned[slot>>6] |= 1 << (uint(slot) & 63)
	} else {
		p.owned[slot>>6] &^= 1 << (uint(slot) & 63)
	}
}
