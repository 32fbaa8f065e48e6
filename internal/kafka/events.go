package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

const (
	// DefaultEventsTopic carries task lifecycle and progress events.
	DefaultEventsTopic = "ingest.task-events"

	// HeaderEvent and HeaderStatus let consumers filter without decoding.
	HeaderEvent  = "event"
	HeaderStatus = "task-status"
)

// EventPublisher is a task.Observer that forwards every event to Kafka,
// keyed by task ID.
type EventPublisher struct {
	producer Producer
	topic    string
}

func NewEventPublisher(p Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &EventPublisher{producer: p, topic: topic}
}

func (e *EventPublisher) Emit(ctx context.Context, event task.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Name, err)
	}
	return e.producer.Publish(ctx, e.topic, event.Task.ID, data,
		segkafka.Header{Key: HeaderEvent, Value: []byte(event.Name)},
		segkafka.Header{Key: HeaderStatus, Value: []byte(event.Task.Status)},
	)
}
