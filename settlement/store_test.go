package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hydra/infra/kv"
)

func TestJobEncodingRoundTrip(t *testing.T) {
	in := Job{
		TradeID: 12, Trade: trade(12), Status: StatusFailed, Attempts: 4,
		LastError: "boom", Reference: "ref-1", EnqueuedAt: 5, UpdatedAt: 6,
	}
	var out Job
	require.NoError(t, decodeJob(appendJob(nil, &in), &out))
	assert.Equal(t, in, out)
}

func TestStoreTransitionIsCompareAndSwap(t *testing.T) {
	s := newStore(kv.NewMemory())
	j := Job{TradeID: 1, Trade: trade(1), Status: StatusQueued}
	existed, err := s.Create(&j)
	require.NoError(t, err)
	assert.False(t, existed)

	dup := Job{TradeID: 1, Status: StatusFailed}
	existed, err = s.Create(&dup)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, StatusQueued, dup.Status, "Create returns the stored job")

	var got Job
	require.NoError(t, s.Transition(1, &got, pending, func(j *Job) { j.Status = StatusSettled }))
	assert.Equal(t, StatusSettled, got.Trade.Settlement)

	err = s.Transition(1, &got, pending, func(j *Job) { j.Status = StatusFailed })
	assert.ErrorIs(t, err, ErrStaleTransition)

	assert.ErrorIs(t, s.Load(99, &got), ErrJobNotFound)
}

func TestStoreScanOrder(t *testing.T) {
	s := newStore(kv.NewMemory())
	for _, id := range []uint64{30, 2, 100} {
		j := Job{TradeID: id}
		_, err := s.Create(&j)
		require.NoError(t, err)
	}
	var ids []uint64
	require.NoError(t, s.Scan(func(j *Job) error {
		ids = append(ids, j.TradeID)
		return nil
	}))
	assert.Equal(t, []uint64{2, 30, 100}, ids)
}

func TestKafkaNetwork(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("empty settlement payload")
		}
		return nil
	})
	p.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)
	p.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	n := NewKafkaNetworkWithProducer(p, "settlements")
	ctx := context.Background()

	ref, err := n.Submit(ctx, Instruction{TradeID: 1, Trade: trade(1)})
	require.NoError(t, err)
	assert.Regexp(t, `^settlements/\d+/\d+$`, ref)

	_, err = n.Submit(ctx, Instruction{TradeID: 2, Trade: trade(2)})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	_, err = n.Submit(ctx, Instruction{TradeID: 3, Trade: trade(3)})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	require.NoError(t, n.Close())
}

func TestSimulatedNetworkDedupes(t *testing.T) {
	n := NewSimulatedNetwork(0)
	ctx := context.Background()
	r1, err := n.Submit(ctx, Instruction{TradeID: 1})
	require.NoError(t, err)
	r2, err := n.Submit(ctx, Instruction{TradeID: 1})
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, n.Settlements())
	assert.Equal(t, 2, n.Attempts(1))

	ref, found, err := n.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, r1, ref)
}

func TestKafkaNetworkReceipts(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	n := NewKafkaNetworkWithProducer(p, "settlements", WithReceipts(kv.NewMemory(), zaptest.NewLogger(t)))
	ctx := context.Background()

	ref, err := n.Submit(ctx, Instruction{TradeID: 21, Trade: trade(21)})
	require.NoError(t, err)

	got, found, err := n.Lookup(ctx, 21)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, ref, got)

	_, found, err = n.Lookup(ctx, 22)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, n.Close())
}

// The broker acknowledged the trade, then the process died before the
// job was marked settled. Recovery finds the receipt instead of sending
// the instruction a second time.
func TestKafkaRecoveryDoesNotResend(t *testing.T) {
	db := kv.NewMemory()
	ctx := context.Background()

	first := mocks.NewSyncProducer(t, nil)
	first.ExpectSendMessageAndSucceed()
	sent, err := NewKafkaNetworkWithProducer(first, "settlements", WithReceipts(db, zaptest.NewLogger(t))).
		Submit(ctx, Instruction{TradeID: 5, Trade: trade(5)})
	require.NoError(t, err)

	crashed := Job{TradeID: 5, Trade: trade(5), Status: StatusProcessing, Attempts: 1, EnqueuedAt: time.Now().UnixNano()}
	_, err = newStore(db).Create(&crashed)
	require.NoError(t, err)

	// no expectations: any send fails the test
	second := mocks.NewSyncProducer(t, nil)
	n := NewKafkaNetworkWithProducer(second, "settlements", WithReceipts(db, zaptest.NewLogger(t)))
	q := newQueue(t, testConfig(), n, db)
	_, err = q.Recover(ctx)
	require.NoError(t, err)
	run(t, q)

	j := waitStatus(t, q, 5, StatusSettled)
	assert.Equal(t, sent, j.Reference)
	assert.Equal(t, 1, j.Attempts)
}
