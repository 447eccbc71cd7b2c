// Package wal is an append-only, segmented command journal. Records get
// consecutive sequence numbers; a reader replays everything after a
// known sequence, which is how state past the last snapshot comes back.
package wal

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrCorrupt = errors.New("wal: corrupt journal")
	ErrClosed  = errors.New("wal: journal closed")
)

type Config struct {
	Dir string
	// SegmentSize is the size past which the journal rolls to a new file.
	SegmentSize int64
	// Sync fsyncs after every append.
	Sync bool
}

const defaultSegmentSize = 64 << 20

// Journal is safe for concurrent use, though each market appends from
// its own goroutine only.
type Journal struct {
	mu      sync.Mutex
	dir     string
	segSize int64
	sync    bool

	current *segment
	lastSeq uint64
	buf     []byte
	// err is sticky: after a failed write the tail may hold a partial
	// frame, so nothing more is appended until the journal is reopened.
	err error
}

// Open opens or creates the journal in cfg.Dir. A torn frame at the end
// of the newest segment, left by a crash mid-write, is cut off. A torn
// frame anywhere else is ErrCorrupt.
func Open(cfg Config) (*Journal, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}
	idx, err := segments(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}

	j := &Journal{dir: cfg.Dir, segSize: cfg.SegmentSize, sync: cfg.Sync}
	last := 0
	for i, n := range idx {
		path := segmentPath(cfg.Dir, n)
		info, err := readSegment(path, nil)
		if err != nil {
			return nil, fmt.Errorf("wal: scan %s: %w", path, err)
		}
		if info.torn {
			if i != len(idx)-1 {
				return nil, fmt.Errorf("%w: %s is torn", ErrCorrupt, path)
			}
			if err := os.Truncate(path, info.valid); err != nil {
				return nil, fmt.Errorf("wal: cut torn tail of %s: %w", path, err)
			}
		}
		j.lastSeq = max(j.lastSeq, info.maxSeq)
		last = n
	}

	j.current, err = openSegment(cfg.Dir, last)
	if err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}
	return j, nil
}

// Append writes one record and returns its sequence number.
func (j *Journal) Append(typ uint8, at int64, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return 0, j.err
	}

	rec := Record{Type: typ, Seq: j.lastSeq + 1, Time: at, Data: data}
	j.buf = appendFrame(j.buf[:0], &rec)
	if err := j.current.append(j.buf); err != nil {
		j.err = fmt.Errorf("wal: append %d: %w", rec.Seq, err)
		return 0, j.err
	}
	if j.sync {
		if err := j.current.file.Sync(); err != nil {
			j.err = fmt.Errorf("wal: sync %d: %w", rec.Seq, err)
			return 0, j.err
		}
	}
	j.lastSeq = rec.Seq

	if j.current.offset >= j.segSize {
		if err := j.rotate(); err != nil {
			j.err = err
			return rec.Seq, nil
		}
	}
	return rec.Seq, nil
}

// j.mu held.
func (j *Journal) rotate() error {
	if err := j.current.close(); err != nil {
		return fmt.Errorf("wal: close segment: %w", err)
	}
	seg, err := openSegment(j.dir, j.current.index+1)
	if err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}
	j.current = seg
	return nil
}

// LastSeq is the sequence of the newest record, or the floor set by
// AdvanceTo if that is higher.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// AdvanceTo makes the next record number greater than seq. A snapshot
// taken against a journal that was since lost must never cover records
// written afterwards.
func (j *Journal) AdvanceTo(seq uint64) {
	j.mu.Lock()
	j.lastSeq = max(j.lastSeq, seq)
	j.mu.Unlock()
}

// Replay calls fn for every record with a sequence above after, in
// order. Record.Data is only valid during the call.
func (j *Journal) Replay(after uint64, fn func(*Record) error) (last uint64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx, err := segments(j.dir)
	if err != nil {
		return 0, fmt.Errorf("wal: %w", err)
	}
	last = after
	var prev uint64
	for _, n := range idx {
		path := segmentPath(j.dir, n)
		info, err := readSegment(path, func(r *Record) error {
			if r.Seq <= prev {
				return fmt.Errorf("%w: sequence %d after %d", ErrCorrupt, r.Seq, prev)
			}
			prev = r.Seq
			if r.Seq <= after {
				return nil
			}
			last = r.Seq
			return fn(r)
		})
		if err != nil {
			return last, err
		}
		if info.torn {
			return last, fmt.Errorf("%w: %s is torn", ErrCorrupt, path)
		}
	}
	return last, nil
}

// TruncateBefore deletes closed segments whose records all have a
// sequence at or below seq. The segment being written is kept.
func (j *Journal) TruncateBefore(seq uint64) (removed int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx, err := segments(j.dir)
	if err != nil {
		return 0, fmt.Errorf("wal: %w", err)
	}
	for _, n := range idx {
		if j.current != nil && n >= j.current.index {
			break
		}
		path := segmentPath(j.dir, n)
		info, err := readSegment(path, nil)
		if err != nil {
			return removed, fmt.Errorf("wal: scan %s: %w", path, err)
		}
		if info.maxSeq > seq {
			break
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("wal: remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return nil
	}
	err := j.current.close()
	j.current = nil
	if j.err == nil {
		j.err = ErrClosed
	}
	return err
}
