package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"hydra/infra/codec"
	"hydra/infra/kv"
)

const receiptPrefix = "receipt/"

// KafkaNetwork hands settlement instructions to a settlement gateway
// through a Kafka topic. The message key is the trade id so the gateway
// can drop duplicates; the reference is topic/partition/offset.
//
// With receipts, every acknowledged send is recorded under the trade id
// and Lookup answers from that record, so a job that crashed after the
// broker ack is not sent again. A crash between the broker write and its
// ack still produces a second message with the same key, which the
// gateway must drop.
type KafkaNetwork struct {
	producer sarama.SyncProducer
	topic    string
	receipts kv.Store
	log      *zap.Logger
}

type KafkaOption func(*KafkaNetwork)

// WithReceipts records acknowledged sends in db.
func WithReceipts(db kv.Store, log *zap.Logger) KafkaOption {
	return func(n *KafkaNetwork) {
		n.receipts = db
		n.log = log.Named("kafka-network")
	}
}

func NewKafkaNetwork(brokers []string, topic string, timeout time.Duration, opts ...KafkaOption) (*KafkaNetwork, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1
	if timeout > 0 {
		cfg.Producer.Timeout = timeout
	}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("settlement: kafka producer: %w", err)
	}
	return NewKafkaNetworkWithProducer(producer, topic, opts...), nil
}

func NewKafkaNetworkWithProducer(p sarama.SyncProducer, topic string, opts ...KafkaOption) *KafkaNetwork {
	n := &KafkaNetwork{producer: p, topic: topic}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *KafkaNetwork) Submit(ctx context.Context, in Instruction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Temporary("context done before send", err)
	}

	id := strconv.FormatUint(in.TradeID, 10)
	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(id),
		Value: sarama.ByteEncoder(codec.AppendTrade(nil, &in.Trade)),
		Headers: []sarama.RecordHeader{
			{Key: []byte("trade-id"), Value: []byte(id)},
			{Key: []byte("pair"), Value: []byte(in.Trade.Pair)},
		},
	}

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		return "", classifyKafka(err)
	}
	ref := fmt.Sprintf("%s/%d/%d", n.topic, partition, offset)
	if n.receipts != nil {
		// a lost receipt means one resend after a crash
		if err := n.receipts.Set(receiptKey(in.TradeID), []byte(ref)); err != nil {
			n.log.Warn("settlement receipt not recorded", zap.Uint64("trade_id", in.TradeID), zap.Error(err))
		}
	}
	return ref, nil
}

// Lookup reports the reference of an acknowledged send of tradeID. Without
// receipts nothing is ever found and the queue resends.
func (n *KafkaNetwork) Lookup(_ context.Context, tradeID uint64) (string, bool, error) {
	if n.receipts == nil {
		return "", false, nil
	}
	ref, err := n.receipts.Get(receiptKey(tradeID))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("settlement: receipt %d: %w", tradeID, err)
	}
	return string(ref), true, nil
}

func receiptKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", receiptPrefix, id))
}

func (n *KafkaNetwork) Close() error {
	return n.producer.Close()
}

func classifyKafka(err error) error {
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge,
			sarama.ErrInvalidMessage,
			sarama.ErrTopicAuthorizationFailed,
			sarama.ErrClusterAuthorizationFailed,
			sarama.ErrInvalidTopic:
			return Permanent(kerr.Error(), err)
		}
	}
	return Temporary("kafka send", err)
}
