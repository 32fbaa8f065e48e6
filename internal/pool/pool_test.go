package pool_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/pool"
	"github.com/ramiqadoumi/go-ingest-flow/internal/stats"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/retry"
)

func items(n int) []domain.WorkItem {
	out := make([]domain.WorkItem, n)
	for i := range out {
		out[i] = domain.WorkItem{Index: i, Payload: i}
	}
	return out
}

func fastPolicy(max int) retry.Policy {
	return retry.Policy{MaxAttempts: max, BaseDelay: time.Millisecond, Multiplier: 2}
}

var errTimeout = errors.New("connection timed out")

func TestWorkerCount(t *testing.T) {
	procs := runtime.GOMAXPROCS(0)
	tests := []struct {
		name     string
		max, n   int
		cpuBound bool
		want     int
	}{
		{"no items", 8, 0, false, 0},
		{"fewer items than max", 8, 3, false, 3},
		{"max caps", 2, 100, false, 2},
		{"default max is GOMAXPROCS", 0, 10_000, false, procs},
		{"single item never zero", 0, 1, false, 1},
		{"cpu bound caps at GOMAXPROCS", procs + 50, 10_000, true, procs},
		{"io bound may exceed GOMAXPROCS", procs + 50, 10_000, false, procs + 50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pool.WorkerCount(tc.max, tc.n, tc.cpuBound))
		})
	}
}

func TestPool_Run_ResultsInInputOrder(t *testing.T) {
	p := pool.New(pool.WithMaxWorkers(4))
	res, err := p.Run(context.Background(), items(50), func(_ context.Context, it domain.WorkItem) (any, error) {
		// Reverse completion order as much as possible.
		time.Sleep(time.Duration(50-it.Index) * 100 * time.Microsecond)
		return it.Index * 10, nil
	})
	require.NoError(t, err)
	require.Len(t, res, 50)
	for i, r := range res {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, domain.ItemSucceeded, r.Status)
		assert.Equal(t, i*10, r.Value)
	}
}

func TestPool_Run_BoundedConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	p := pool.New(pool.WithMaxWorkers(3))
	_, err := p.Run(context.Background(), items(30), func(context.Context, domain.WorkItem) (any, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_Retry_SucceedsOnLastAttempt(t *testing.T) {
	const max = 4
	var calls atomic.Int32
	p := pool.New(pool.WithRetry(fastPolicy(max)))
	res, err := p.Run(context.Background(), items(1), func(context.Context, domain.WorkItem) (any, error) {
		if calls.Add(1) < max {
			return nil, domain.Transient("fetch", errTimeout)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSucceeded, res[0].Status)
	assert.Equal(t, max-1, res[0].Attempt)
	assert.Equal(t, int32(max), calls.Load())
}

func TestPool_Retry_ExhaustsAfterMaxAttempts(t *testing.T) {
	const max = 3
	var calls atomic.Int32
	p := pool.New(pool.WithRetry(fastPolicy(max)))
	res, err := p.Run(context.Background(), items(1), func(context.Context, domain.WorkItem) (any, error) {
		calls.Add(1)
		return nil, domain.Transient("fetch", errTimeout)
	})
	require.NoError(t, err, "item failures are not job failures")
	assert.Equal(t, domain.ItemFailed, res[0].Status)
	assert.Equal(t, int32(max), calls.Load())
	assert.Equal(t, domain.CategoryNetwork, res[0].Category)
}

func TestPool_TerminalError_FailsOnlyThatItem(t *testing.T) {
	agg := stats.New()
	require.NoError(t, agg.SetTotal(5))
	var calls [5]atomic.Int32

	p := pool.New(pool.WithRetry(fastPolicy(3)), pool.WithStats(agg))
	res, err := p.Run(context.Background(), items(5), func(_ context.Context, it domain.WorkItem) (any, error) {
		calls[it.Index].Add(1)
		if it.Index == 2 {
			return nil, domain.Terminal("parse", errors.New("malformed content"))
		}
		return it.Index, nil
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ItemFailed, res[2].Status)
	assert.Equal(t, domain.CategoryContent, res[2].Category)
	assert.Equal(t, int32(1), calls[2].Load(), "terminal errors are not retried")

	snap := agg.Snapshot()
	assert.Equal(t, int64(4), snap.Succeeded)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(5), snap.Processed)
}

func TestPool_BackoffSchedule(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	policy := retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Millisecond,
		Multiplier:  2,
		OnRetry: func(_ int, d time.Duration, _ error) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		},
	}
	p := pool.New(pool.WithRetry(policy))
	res, _ := p.Run(context.Background(), items(1), func(context.Context, domain.WorkItem) (any, error) {
		return nil, domain.Transient("download", errTimeout)
	})

	assert.Equal(t, domain.ItemFailed, res[0].Status)
	assert.Equal(t, domain.CategoryNetwork, res[0].Category)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, delays)
}

func TestPool_Panic_BecomesInfrastructureError(t *testing.T) {
	p := pool.New(pool.WithRetry(fastPolicy(3)))
	res, err := p.Run(context.Background(), items(3), func(_ context.Context, it domain.WorkItem) (any, error) {
		if it.Index == 1 {
			panic("nil map write")
		}
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, domain.IsInfrastructure(err))
	assert.Equal(t, domain.ItemFailed, res[1].Status)
	assert.Equal(t, domain.CategoryInfrastructure, res[1].Category)
	assert.True(t, pool.IsInfrastructure(res[1]))
	assert.Equal(t, domain.ItemSucceeded, res[0].Status)
	assert.Equal(t, domain.ItemSucceeded, res[2].Status)
}

func TestPool_Cancel_StopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var completed, started atomic.Int32
	agg := stats.New()
	p := pool.New(pool.WithMaxWorkers(1), pool.WithStats(agg), pool.WithOnResult(func(r domain.Result) {
		if r.Status == domain.ItemSucceeded && completed.Add(1) == 2 {
			cancel()
		}
	}))
	res, err := p.Run(ctx, items(20), func(context.Context, domain.WorkItem) (any, error) {
		started.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	require.Len(t, res, 20)

	assert.Equal(t, int32(2), started.Load(), "no new item starts after cancellation")
	snap := agg.Snapshot()
	assert.Equal(t, int64(2), snap.Succeeded)
	assert.Equal(t, int64(18), snap.Cancelled)
	assert.Equal(t, int64(2), snap.Processed)
	for _, r := range res[2:] {
		assert.Equal(t, domain.ItemCancelled, r.Status)
	}
}

func TestPool_Cancel_DuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 1}
	p := pool.New(pool.WithRetry(policy))

	done := make(chan []domain.Result)
	go func() {
		res, _ := p.Run(ctx, items(1), func(context.Context, domain.WorkItem) (any, error) {
			return nil, domain.Transient("fetch", errTimeout)
		})
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, domain.ItemCancelled, res[0].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not interrupted by cancellation")
	}
}

func TestPool_InFlightPolicy(t *testing.T) {
	tests := []struct {
		policy    pool.InFlightPolicy
		sawCancel bool
	}{
		{pool.InFlightAwait, false},
		{pool.InFlightAbandon, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.policy), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			entered := make(chan struct{})
			var saw atomic.Bool

			p := pool.New(pool.WithInFlightPolicy(tc.policy))
			done := make(chan []domain.Result)
			go func() {
				res, _ := p.Run(ctx, items(1), func(callCtx context.Context, _ domain.WorkItem) (any, error) {
					close(entered)
					select {
					case <-callCtx.Done():
						saw.Store(true)
						return nil, callCtx.Err()
					case <-time.After(50 * time.Millisecond):
						return "finished", nil
					}
				})
				done <- res
			}()
			<-entered
			cancel()
			res := <-done

			assert.Equal(t, tc.sawCancel, saw.Load())
			assert.Equal(t, domain.ItemCancelled, res[0].Status, "in-flight results are discarded either way")
		})
	}
}

func TestPool_Stream_DrainsEveryItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan domain.WorkItem)
	p := pool.New(pool.WithMaxWorkers(2))
	out := p.Stream(ctx, in, func(_ context.Context, it domain.WorkItem) (any, error) {
		return it.Index, nil
	})

	go func() {
		defer close(in)
		for i := 0; i < 10; i++ {
			if i == 5 {
				cancel()
			}
			in <- domain.WorkItem{Index: i}
		}
	}()

	seen := map[int]domain.ItemStatus{}
	for r := range out {
		seen[r.Index] = r.Status
	}
	require.Len(t, seen, 10)
	for i := 5; i < 10; i++ {
		assert.Equal(t, domain.ItemCancelled, seen[i])
	}
}
