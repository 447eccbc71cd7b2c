package broadcaster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"hydra/infra/kv"
)

const outboxPrefix = "outbox/"

// State is an outbox entry's delivery state.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Entry struct {
	State       State
	Retries     uint32
	LastAttempt int64
}

var errEntryLength = errors.New("broadcaster: invalid outbox entry length")

// binary encoding: [state:1][retries:4][lastAttempt:8]
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 1+4+8)
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) != 13 {
		return Entry{}, errEntryLength
	}
	return Entry{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}, nil
}

// Outbox records which failed jobs still owe a feed event. An entry is
// written before the first publish attempt and deleted once the event
// is acknowledged, so a crash in between republishes rather than drops.
type Outbox struct {
	db  kv.Store
	now func() time.Time
}

func NewOutbox(db kv.Store) *Outbox {
	return &Outbox{db: db, now: time.Now}
}

// PutNew inserts a pending entry. An existing entry is left alone.
func (o *Outbox) PutNew(tradeID uint64) error {
	_, err := o.Get(tradeID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, kv.ErrNotFound):
		return err
	}
	return o.db.Set(keyFor(tradeID), encodeEntry(Entry{State: StateNew}))
}

// UpdateState records a delivery attempt.
func (o *Outbox) UpdateState(tradeID uint64, state State, retries uint32) error {
	return o.db.Set(keyFor(tradeID), encodeEntry(Entry{
		State:       state,
		Retries:     retries,
		LastAttempt: o.now().UnixNano(),
	}))
}

// Ack removes a delivered entry.
func (o *Outbox) Ack(tradeID uint64) error {
	return o.db.Delete(keyFor(tradeID))
}

func (o *Outbox) Get(tradeID uint64) (Entry, error) {
	val, err := o.db.Get(keyFor(tradeID))
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(val)
}

// Pending visits every unacknowledged entry in trade id order.
func (o *Outbox) Pending(fn func(tradeID uint64, e Entry) error) error {
	return o.db.Iterate([]byte(outboxPrefix), func(key, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return err
		}
		id, err := parseKey(key)
		if err != nil {
			return err
		}
		return fn(id, e)
	})
}

func keyFor(tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", outboxPrefix, tradeID))
}

func parseKey(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b[len(outboxPrefix):]), 10, 64)
}
