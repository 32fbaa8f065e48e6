package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// benchClient connects to a local Redis or skips the benchmark.
func benchClient(b *testing.B) *redis.Client {
	b.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available at localhost:6379: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

func benchView() domain.StatusView {
	return domain.StatusView{
		ID:       "bench-task",
		Kind:     domain.KindScrape,
		Status:   domain.StatusProcessing,
		Progress: 57,
		Stage:    "scraping",
		Stats:    domain.ProgressSnapshot{Total: 100, Processed: 53, Succeeded: 50, Failed: 3},
	}
}

func BenchmarkStateStore_SaveView(b *testing.B) {
	store := NewStateStore(benchClient(b))
	ctx := context.Background()
	view := benchView()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.SaveView(ctx, view); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStateStore_GetView(b *testing.B) {
	store := NewStateStore(benchClient(b))
	ctx := context.Background()
	if err := store.SaveView(ctx, benchView()); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.GetView(ctx, "bench-task"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRateLimiter_Allow_Parallel(b *testing.B) {
	lim := NewRateLimiter(benchClient(b), 1<<30, time.Second)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := lim.Allow(ctx, "fetch:bench.test"); err != nil {
				b.Fatal(err)
			}
		}
	})
}
