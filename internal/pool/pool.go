// Package pool runs work items on a bounded set of goroutines with per-item
// retry, cooperative cancellation and panic recovery.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/stats"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/retry"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/telemetry"
)

// WorkFunc processes one item. It must be safe to call concurrently with
// independent items.
type WorkFunc func(ctx context.Context, item domain.WorkItem) (any, error)

// InFlightPolicy decides what an invocation already running sees when the
// owning task is cancelled.
type InFlightPolicy string

const (
	// InFlightAwait lets running calls finish on a context that is never
	// cancelled; their results are discarded as cancelled.
	InFlightAwait InFlightPolicy = "await"
	// InFlightAbandon passes the cancellation through to running calls.
	InFlightAbandon InFlightPolicy = "abandon"
)

// Valid reports whether p is a known policy.
func (p InFlightPolicy) Valid() bool {
	return p == InFlightAwait || p == InFlightAbandon
}

// Pool is a reusable configuration; every Run/Stream call starts its own
// set of workers.
type Pool struct {
	name       string
	maxWorkers int
	cpuBound   bool
	policy     retry.Policy
	inFlight   InFlightPolicy
	stats      *stats.Aggregator
	onResult   func(domain.Result)
	logger     *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

func WithName(name string) Option { return func(p *Pool) { p.name = name } }
func WithMaxWorkers(n int) Option { return func(p *Pool) { p.maxWorkers = n } }
func WithCPUBound(b bool) Option { return func(p *Pool) { p.cpuBound = b } }
func WithRetry(policy retry.Policy) Option { return func(p *Pool) { p.policy = policy } }
func WithInFlightPolicy(ip InFlightPolicy) Option { return func(p *Pool) { p.inFlight = ip } }
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithStats records every terminal item outcome into agg.
func WithStats(agg *stats.Aggregator) Option { return func(p *Pool) { p.stats = agg } }

// WithOnResult is called from the worker goroutine after each item settles.
func WithOnResult(fn func(domain.Result)) Option { return func(p *Pool) { p.onResult = fn } }

// New returns a Pool. Defaults: name "default", up to GOMAXPROCS workers,
// retry.DefaultPolicy, in-flight calls awaited.
func New(opts ...Option) *Pool {
	p := &Pool{
		name:     "default",
		policy:   retry.DefaultPolicy(),
		inFlight: InFlightAwait,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.inFlight.Valid() {
		p.inFlight = InFlightAwait
	}
	p.logger = p.logger.With(slog.String("pool", p.name))
	return p
}

// Name returns the pool's metric and log label.
func (p *Pool) Name() string { return p.name }

// WorkerCount picks the number of workers for n items:
// min(max, n), further capped at GOMAXPROCS for CPU-bound work.
// A non-positive max means GOMAXPROCS. Never zero when n > 0.
func WorkerCount(max, n int, cpuBound bool) int {
	if n <= 0 {
		return 0
	}
	procs := runtime.GOMAXPROCS(0)
	w := max
	if w <= 0 {
		w = procs
	}
	if cpuBound && w > procs {
		w = procs
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Workers returns the worker count this pool uses for n items.
func (p *Pool) Workers(n int) int { return WorkerCount(p.maxWorkers, n, p.cpuBound) }

// Run processes items and returns one Result per item, in input order.
// Once ctx is cancelled no further items are dispatched; the rest come
// back as cancelled. The error is the first infrastructure failure seen,
// which callers must treat as fatal for the whole job.
func (p *Pool) Run(ctx context.Context, items []domain.WorkItem, fn WorkFunc) ([]domain.Result, error) {
	results := make([]domain.Result, len(items))
	if len(items) == 0 {
		return results, nil
	}

	workers := p.Workers(len(items))
	p.logger.Debug("pool starting", slog.Int("items", len(items)), slog.Int("workers", workers))

	queue := make(chan int)
	dispatched := make([]bool, len(items))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				results[i] = p.Process(ctx, items[i], fn)
			}
		}()
	}

feed:
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case queue <- i:
			dispatched[i] = true
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	for i, ok := range dispatched {
		if !ok {
			results[i] = p.settle(domain.CancelledResult(items[i]))
		}
	}
	return results, firstInfrastructure(results)
}

// Stream processes items from in until it is closed, emitting one Result
// per item in completion order. After cancellation the remaining items
// are still drained and reported as cancelled so that counting consumers
// see every item. The returned channel closes once in is drained.
func (p *Pool) Stream(ctx context.Context, in <-chan domain.WorkItem, fn WorkFunc) <-chan domain.Result {
	workers := p.maxWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = WorkerCount(workers, workers, p.cpuBound)

	out := make(chan domain.Result, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range in {
				out <- p.Process(ctx, item, fn)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Process runs one item through the retry policy and returns its Result.
// It checks ctx before the first invocation and after every backoff sleep.
// A panic in fn becomes an infrastructure failure for that item.
func (p *Pool) Process(ctx context.Context, item domain.WorkItem, fn WorkFunc) domain.Result {
	if ctx.Err() != nil {
		return p.settle(domain.CancelledResult(item))
	}

	spanCtx, span := otel.Tracer("pool").Start(ctx, "pool.item")
	defer span.End()
	span.SetAttributes(
		attribute.String("pool.name", p.name),
		attribute.Int("item.index", item.Index),
	)

	callCtx := spanCtx
	if p.inFlight == InFlightAwait {
		callCtx = context.WithoutCancel(spanCtx)
	}

	telemetry.ItemsInFlight.WithLabelValues(p.name).Inc()
	defer telemetry.ItemsInFlight.WithLabelValues(p.name).Dec()

	policy := p.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		telemetry.ItemRetries.WithLabelValues(p.name).Inc()
		p.logger.Warn("item attempt failed, retrying",
			slog.Int("index", item.Index),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if p.policy.OnRetry != nil {
			p.policy.OnRetry(attempt, delay, err)
		}
	}

	start := time.Now()
	var value any
	attempt, err := retry.Do(ctx, policy, func(attempt int) error {
		item.Attempt = attempt
		v, err := p.call(callCtx, item, fn)
		value = v
		return err
	})
	item.Attempt = attempt

	var res domain.Result
	switch {
	case ctx.Err() != nil:
		// Cancelled while running or during backoff: whatever came back is discarded.
		res = domain.CancelledResult(item)
	default:
		res = domain.NewResult(item, value, err)
	}
	res.Duration = time.Since(start)

	if res.Status == domain.ItemFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Category)
		p.logger.Warn("item failed",
			slog.Int("index", item.Index),
			slog.Int("attempt", attempt),
			slog.String("category", res.Category),
			slog.String("error", res.Error),
		)
	}
	span.SetAttributes(
		attribute.String("item.status", string(res.Status)),
		attribute.Int("item.attempt", attempt),
	)
	return p.settle(res)
}

// call invokes fn, converting a panic into an infrastructure error.
func (p *Pool) call(ctx context.Context, item domain.WorkItem, fn WorkFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("work function panicked",
				slog.Int("index", item.Index),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			value = nil
			err = domain.Infrastructure("worker panic", fmt.Errorf("%v", r))
		}
	}()
	return fn(ctx, item)
}

// settle records the outcome in stats, metrics and the result hook.
func (p *Pool) settle(res domain.Result) domain.Result {
	telemetry.ItemsProcessed.WithLabelValues(p.name, string(res.Status)).Inc()
	if p.stats != nil {
		p.stats.Record(res.Status)
	}
	if p.onResult != nil {
		p.onResult(res)
	}
	return res
}

func firstInfrastructure(results []domain.Result) error {
	for _, r := range results {
		if IsInfrastructure(r) {
			return fmt.Errorf("item %d: %w", r.Index, r.Err)
		}
	}
	return nil
}

// IsInfrastructure reports whether res carries a job-fatal failure.
func IsInfrastructure(res domain.Result) bool {
	return res.Err != nil && domain.IsInfrastructure(res.Err)
}
