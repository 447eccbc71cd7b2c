package settlement

import (
	"errors"
	"fmt"
	"sync"

	"hydra/infra/kv"
	"hydra/infra/memory"
)

const jobBufferHint = 256

// Store persists jobs one key per trade. Each read-modify-write runs under
// the store mutex, which makes Transition a compare-and-swap on status.
type Store struct {
	mu      sync.Mutex
	kv      kv.Store
	buffers *memory.BufferPool
}

func NewStore(db kv.Store, buffers *memory.BufferPool) *Store {
	return &Store{kv: db, buffers: buffers}
}

// Create persists j unless a job for the same trade exists, in which case
// j is overwritten with the stored job and existed is true.
func (s *Store) Create(j *Job) (existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.load(j.TradeID, j)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, ErrJobNotFound):
		return false, err
	}
	return false, s.put(j)
}

// Load decodes the job for id into into.
func (s *Store) Load(id uint64, into *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id, into)
}

// Transition applies mutate to job id if its current status satisfies
// from, persists it and leaves the result in into.
func (s *Store) Transition(id uint64, into *Job, from func(Status) bool, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(id, into); err != nil {
		return err
	}
	if !from(into.Status) {
		return fmt.Errorf("%w: job %d is %s", ErrStaleTransition, id, into.Status)
	}
	mutate(into)
	into.Trade.Settlement = into.Status
	return s.put(into)
}

// Scan visits every stored job in trade id order. j is reused between calls.
func (s *Store) Scan(fn func(j *Job) error) error {
	var j Job
	return s.kv.Iterate([]byte(jobPrefix), func(_, value []byte) error {
		if err := decodeJob(value, &j); err != nil {
			return err
		}
		return fn(&j)
	})
}

func (s *Store) load(id uint64, into *Job) error {
	raw, err := s.kv.Get(jobKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("settlement: load job %d: %w", id, err)
	}
	return decodeJob(raw, into)
}

func (s *Store) put(j *Job) error {
	buf, err := s.buffers.Get(jobBufferHint)
	if err != nil {
		return err
	}
	defer s.buffers.Put(buf)

	buf.B = appendJob(buf.B, j)
	if err := s.kv.Set(jobKey(j.TradeID), buf.B); err != nil {
		return fmt.Errorf("settlement: store job %d: %w", j.TradeID, err)
	}
	return nil
}
