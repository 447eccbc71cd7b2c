package settlement

import (
	"fmt"

	"hydra/domain/orderbook"
	"hydra/infra/codec"
)

type Status = orderbook.SettlementStatus

const (
	StatusQueued     = orderbook.SettlementQueued
	StatusProcessing = orderbook.SettlementProcessing
	StatusSettled    = orderbook.SettlementSettled
	StatusFailed     = orderbook.SettlementFailed
)

// Job tracks one trade through settlement. The trade id is both the job
// id and the idempotency key sent to the network.
type Job struct {
	TradeID    uint64
	Trade      orderbook.Trade
	Status     Status
	Attempts   int
	LastError  string
	Reference  string
	EnqueuedAt int64 // unix nanos
	UpdatedAt  int64
}

// RetryCount is the number of submissions after the first.
func (j *Job) RetryCount() int {
	if j.Attempts <= 1 {
		return 0
	}
	return j.Attempts - 1
}

func (j *Job) Reset() {
	*j = Job{}
}

// ---- storage encoding ----

const jobPrefix = "job/"

func jobKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", jobPrefix, id))
}

func appendJob(b []byte, j *Job) []byte {
	b = codec.AppendUint(b, 1, j.TradeID)
	b = codec.AppendMessage(b, 2, func(b []byte) []byte { return codec.AppendTrade(b, &j.Trade) })
	b = codec.AppendUint(b, 3, uint64(j.Status))
	b = codec.AppendUint(b, 4, uint64(j.Attempts))
	b = codec.AppendString(b, 5, j.LastError)
	b = codec.AppendString(b, 6, j.Reference)
	b = codec.AppendInt(b, 7, j.EnqueuedAt)
	b = codec.AppendInt(b, 8, j.UpdatedAt)
	return b
}

func decodeJob(b []byte, j *Job) error {
	j.Reset()
	r := codec.NewReader(b)
	for {
		num, typ, ok := r.Next()
		if !ok {
			break
		}
		switch num {
		case 1:
			j.TradeID = r.Uint()
		case 2:
			if err := codec.DecodeTrade(r.Bytes(), &j.Trade); err != nil {
				return err
			}
		case 3:
			j.Status = Status(r.Uint())
		case 4:
			j.Attempts = int(r.Uint())
		case 5:
			j.LastError = r.String()
		case 6:
			j.Reference = r.String()
		case 7:
			j.EnqueuedAt = r.Int()
		case 8:
			j.UpdatedAt = r.Int()
		default:
			r.Skip(num, typ)
		}
	}
	return r.Err()
}
