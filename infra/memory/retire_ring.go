package memory

import "sync/atomic"

// RetireRing is a lock-free SPSC ring buffer of retired records waiting
// to be released. The matching loop retires, the reclaimer drains.
type RetireRing[T any] struct {
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte
	buf   []*T
	mask  uint64
}

func NewRetireRing[T any](size uint64) *RetireRing[T] {
	if size == 0 || size&(size-1) != 0 {
		panic("RetireRing size must be power of two")
	}
	return &RetireRing[T]{
		buf:  make([]*T, size),
		mask: size - 1,
	}
}

// Enqueue returns false when the ring is full.
func (r *RetireRing[T]) Enqueue(v *T) bool {
	h := r.head
	t := atomic.LoadUint64(&r.tail)
	if h-t == uint64(len(r.buf)) {
		return false
	}
	r.buf[h&r.mask] = v
	atomic.StoreUint64(&r.head, h+1)
	return true
}

// Dequeue returns nil when the ring is empty.
func (r *RetireRing[T]) Dequeue() *T {
	t := r.tail
	h := atomic.LoadUint64(&r.head)
	if t == h {
		return nil
	}
	v := r.buf[t&r.mask]
	r.buf[t&r.mask] = nil
	atomic.StoreUint64(&r.tail, t+1)
	return v
}

// Drain dequeues everything and hands each record to release.
func (r *RetireRing[T]) Drain(release func(*T)) int {
	n := 0
	for v := r.Dequeue(); v != nil; v = r.Dequeue() {
		release(v)
		n++
	}
	return n
}

func (r *RetireRing[T]) Len() int {
	return int(atomic.LoadUint64(&r.head) - atomic.LoadUint64(&r.tail))
}

func (r *RetireRing[T]) Cap() int {
	return len(r.buf)
}
