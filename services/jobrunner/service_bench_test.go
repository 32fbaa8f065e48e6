package jobrunner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ramiqadoumi/go-ingest-flow/internal/kafka"
)

// BenchmarkService_ProcessMessage measures intake overhead: decode, build,
// register and start, with a job that returns immediately.
func BenchmarkService_ProcessMessage(b *testing.B) {
	s, _ := newTestService(b, nil, WithEmitInterval(time.Second))
	msgs := make([]kafka.Message, b.N)
	for i := range msgs {
		msgs[i] = requestMsg(b, echo(fmt.Sprintf("bench-%d", i), echoParams{Value: "v"}))
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.processMessage(ctx, msgs[i])
	}
	b.StopTimer()
	_ = s.Shutdown(ctx)
}

// BenchmarkService_ProcessMessage_Parallel measures intake under concurrent
// consumers sharing one registry.
func BenchmarkService_ProcessMessage_Parallel(b *testing.B) {
	s, _ := newTestService(b, nil, WithEmitInterval(time.Second))
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = s.processMessage(ctx, kafka.Message{Value: []byte(`{"kind":"echo","payload":{"value":"v"}}`)})
		}
	})
	b.StopTimer()
	_ = s.Shutdown(ctx)
}
