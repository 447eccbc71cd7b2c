package snapshot

import (
	"errors"

	"hydra/infra/codec"
)

const (
	bookPrefix   = "book/"
	sequencesKey = "meta/sequences"
)

// ErrNoSnapshot is returned by Load when a pair has never been written.
var ErrNoSnapshot = errors.New("snapshot: none stored")

func bookKey(pair string) []byte {
	return []byte(bookPrefix + pair)
}

// Sequences are the id generators' high-water marks at snapshot time.
// Restoring them keeps ids of orders that already left the book from
// being issued again.
type Sequences struct {
	OrderID uint64
	TradeID uint64
}

func appendSequences(b []byte, s Sequences) []byte {
	b = codec.AppendUint(b, 1, s.OrderID)
	return codec.AppendUint(b, 2, s.TradeID)
}

func decodeSequences(b []byte) (Sequences, error) {
	var s Sequences
	r := codec.NewReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			s.OrderID = r.Uint()
		case 2:
			s.TradeID = r.Uint()
		default:
			r.Skip(num, typ)
		}
	}
	return s, r.Err()
}
