package engine

import (
	"fmt"
	"net/url"
	"path/filepath"

	"hydra/domain/orderbook"
	"hydra/infra/codec"
	"hydra/infra/wal"
)

// Journal record types.
const (
	opSubmit uint8 = 1
	opCancel uint8 = 2
)

type JournalConfig struct {
	// Dir holds one journal directory per market. Empty disables journaling.
	Dir         string `yaml:"dir"`
	SegmentSize int64  `yaml:"segment_size"`
	// Sync fsyncs every record before the command is answered.
	Sync bool `yaml:"sync"`
}

func openJournal(cfg JournalConfig, pair string) (*wal.Journal, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	j, err := wal.Open(wal.Config{
		Dir:         filepath.Join(cfg.Dir, url.PathEscape(pair)),
		SegmentSize: cfg.SegmentSize,
		Sync:        cfg.Sync,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: journal %s: %w", pair, err)
	}
	return j, nil
}

// entry is one accepted command. A submit carries the order as it was
// requested plus the trade ids its matching consumed, so a replay
// reproduces the same trades.
type entry struct {
	order  orderbook.Order
	trades []uint64
}

func appendEntry(b []byte, e *entry) []byte {
	b = codec.AppendMessage(b, 1, func(b []byte) []byte { return codec.AppendOrder(b, &e.order) })
	for _, id := range e.trades {
		b = codec.AppendUint(b, 2, id)
	}
	return b
}

func decodeEntry(b []byte, e *entry) error {
	r := codec.NewReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			if err := codec.DecodeOrder(r.Bytes(), &e.order); err != nil {
				return err
			}
		case 2:
			e.trades = append(e.trades, r.Uint())
		default:
			r.Skip(num, typ)
		}
	}
	return r.Err()
}

// Replayed reports what a restore applied from the journal.
type Replayed struct {
	Records    int
	MaxOrderID uint64
	MaxTradeID uint64
}

// replayIDs feeds journaled trade ids to the book during a replay and
// defers to the shared sequencer otherwise.
type replayIDs struct {
	src   orderbook.IDSource
	queue []uint64
}

func (r *replayIDs) Next() uint64 {
	if len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]
		return id
	}
	return r.src.Next()
}
