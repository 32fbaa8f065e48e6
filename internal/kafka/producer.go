package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

// Producer writes keyed messages. Extra headers travel alongside the trace
// context.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error
	Close() error
}

// ProducerOption tunes the underlying writer.
type ProducerOption func(*kafka.Writer)

// WithBatching sets how many messages are grouped per request and how long
// the writer waits to fill a batch.
func WithBatching(size int, timeout time.Duration) ProducerOption {
	return func(w *kafka.Writer) {
		w.BatchSize = size
		w.BatchTimeout = timeout
	}
}

// WithCompression compresses each batch with codec.
func WithCompression(codec compress.Compression) ProducerOption {
	return func(w *kafka.Writer) { w.Compression = codec }
}

// WithRequiredAcks sets how many replicas must acknowledge a write.
func WithRequiredAcks(acks kafka.RequiredAcks) ProducerOption {
	return func(w *kafka.Writer) { w.RequiredAcks = acks }
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer returns a Producer that hashes keys onto partitions, so all
// messages sharing a key stay in order.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return &producer{writer: w}
}

// NewEventProducer returns a Producer for the task event stream: events are
// small, frequent and best-effort, so it trades durability for latency with
// leader-only acks, short batches and snappy compression.
func NewEventProducer(brokers []string) Producer {
	return NewProducer(brokers,
		WithRequiredAcks(kafka.RequireOne),
		WithBatching(64, 10*time.Millisecond),
		WithCompression(compress.Snappy),
	)
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: append(InjectTrace(ctx), headers...),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error { return p.writer.Close() }
