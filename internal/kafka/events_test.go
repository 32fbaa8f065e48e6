package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/kafka"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

type published struct {
	topic, key string
	value      []byte
	headers    []segkafka.Header
}

type fakeProducer struct {
	msgs []published
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte, headers ...segkafka.Header) error {
	p.msgs = append(p.msgs, published{topic, key, value, headers})
	return p.err
}

func (p *fakeProducer) Close() error { return nil }

func TestEventPublisher_Emit(t *testing.T) {
	prod := &fakeProducer{}
	pub := kafka.NewEventPublisher(prod, "")

	ev := task.Event{
		Name: task.EventProgress,
		Task: domain.StatusView{ID: "task-1", Kind: domain.KindScrape, Status: domain.StatusProcessing, Progress: 42},
		At:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, pub.Emit(context.Background(), ev))

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.DefaultEventsTopic, prod.msgs[0].topic)
	assert.Equal(t, "task-1", prod.msgs[0].key)
	headers := kafka.HeaderCarrier(prod.msgs[0].headers)
	assert.Equal(t, "progress", headers.Get(kafka.HeaderEvent))
	assert.Equal(t, "PROCESSING", headers.Get(kafka.HeaderStatus))

	var got task.Event
	require.NoError(t, json.Unmarshal(prod.msgs[0].value, &got))
	assert.Equal(t, task.EventProgress, got.Name)
	assert.Equal(t, 42, got.Task.Progress)
	assert.Equal(t, domain.StatusProcessing, got.Task.Status)
}

func TestEventPublisher_PropagatesProducerError(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	err := kafka.NewEventPublisher(prod, "custom").Emit(context.Background(), task.Event{Name: task.EventStarted})
	require.Error(t, err)
	assert.Equal(t, "custom", prod.msgs[0].topic)
}

func TestHeaderCarrier(t *testing.T) {
	var c kafka.HeaderCarrier
	c.Set("traceparent", "a")
	c.Set("tracestate", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Len(t, []segkafka.Header(c), 2)
}

func TestTraceRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := kafka.InjectTrace(ctx)
	require.NotEmpty(t, kafka.HeaderCarrier(headers).Get("traceparent"))

	got := trace.SpanContextFromContext(kafka.ExtractTrace(context.Background(), headers))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}
