package memory

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	minClassShift = 6  // 64 B
	maxClassShift = 16 // 64 KiB
	numClasses    = maxClassShift - minClassShift + 1
)

// ErrNoSizeClass is returned for requests larger than the biggest class.
var ErrNoSizeClass = errors.New("memory: no size class for buffer")

// Buffer is a pooled byte slice. B starts empty with the capacity of its
// size class.
type Buffer struct {
	B     []byte
	class int8
}

// BufferPool hands out byte buffers by power-of-two size class so fixed
// size serialization work never reaches the general allocator.
type BufferPool struct {
	classes [numClasses]*Pool[Buffer]
}

// NewBufferPool builds one Pool per size class, each sized by cfg.
func NewBufferPool(cfg Config) *BufferPool {
	bp := &BufferPool{}
	for i := range bp.classes {
		class := int8(i)
		size := 1 << (minClassShift + i)
		bp.classes[i] = NewPoolFunc(cfg,
			func() *Buffer {
				return &Buffer{B: make([]byte, 0, size), class: class}
			},
			func(b *Buffer) {
				if cap(b.B) > size {
					// An append outgrew the class; drop the oversized array.
					b.B = make([]byte, 0, size)
				}
				b.B = b.B[:0]
			},
		)
	}
	return bp
}

// ClassFor returns the class index serving n bytes.
func ClassFor(n int) (int, error) {
	if n <= 1<<minClassShift {
		return 0, nil
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return 0, fmt.Errorf("%w: %d bytes", ErrNoSizeClass, n)
	}
	return shift - minClassShift, nil
}

// Get returns an empty buffer with capacity of at least n.
func (bp *BufferPool) Get(n int) (*Buffer, error) {
	class, err := ClassFor(n)
	if err != nil {
		return nil, err
	}
	return bp.classes[class].Acquire()
}

// Put returns b to its class. The buffer must not be used afterwards.
func (bp *BufferPool) Put(b *Buffer) {
	bp.classes[b.class].Release(b)
}

// Stats aggregates all classes.
func (bp *BufferPool) Stats() Stats {
	var s Stats
	for _, p := range bp.classes {
		cs := p.Stats()
		s.InUse += cs.InUse
		s.Free += cs.Free
		s.Capacity += cs.Capacity
		s.Max += cs.Max
		s.Exhausted += cs.Exhausted
	}
	return s
}
