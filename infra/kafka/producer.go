package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Producer publishes keyed events to a single topic. Every message carries
// a "type" header so one topic can hold several event kinds.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg Config) *Producer {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           batch,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Send(ctx context.Context, kind string, key, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
	})
	if err != nil {
		return fmt.Errorf("kafka: publish %s: %w", kind, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
