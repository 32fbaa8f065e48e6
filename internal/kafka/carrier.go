package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts Kafka headers to propagation.TextMapCarrier.
type HeaderCarrier []segkafka.Header

// Get returns the first header value stored under key.
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set stores value under key, dropping earlier headers with that key.
func (c *HeaderCarrier) Set(key, value string) {
	kept := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*c = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectTrace returns headers carrying the span context of ctx.
func InjectTrace(ctx context.Context) []segkafka.Header {
	var c HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// ExtractTrace returns ctx continued from the trace in headers, if any.
func ExtractTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	c := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
