package snapshot

import (
	"errors"
	"fmt"

	"hydra/domain/orderbook"
	"hydra/infra/codec"
	"hydra/infra/kv"
	"hydra/infra/memory"
)

// bytes reserved per order when sizing the encode buffer
const orderSizeHint = 64

// Writer persists book snapshots, one key per pair. Each Write replaces
// the previous snapshot of its pair in a single atomic Set.
type Writer struct {
	store   kv.Store
	buffers *memory.BufferPool
}

func NewWriter(store kv.Store, buffers *memory.BufferPool) *Writer {
	return &Writer{store: store, buffers: buffers}
}

func (w *Writer) Write(snap *orderbook.BookSnapshot) error {
	hint := orderSizeHint * (len(snap.Orders) + 1)
	buf, err := w.buffers.Get(hint)
	switch {
	case errors.Is(err, memory.ErrNoSizeClass):
		// books larger than the biggest class encode into a fresh slice
		return w.set(snap.Pair, codec.AppendSnapshot(make([]byte, 0, hint), snap))
	case err != nil:
		return fmt.Errorf("snapshot: %s: %w", snap.Pair, err)
	}
	defer w.buffers.Put(buf)

	buf.B = codec.AppendSnapshot(buf.B, snap)
	return w.set(snap.Pair, buf.B)
}

func (w *Writer) set(pair string, b []byte) error {
	if err := w.store.Set(bookKey(pair), b); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", pair, err)
	}
	return nil
}

// WriteSequences records the id high-water marks.
func (w *Writer) WriteSequences(s Sequences) error {
	if err := w.store.Set([]byte(sequencesKey), appendSequences(nil, s)); err != nil {
		return fmt.Errorf("snapshot: write sequences: %w", err)
	}
	return nil
}
