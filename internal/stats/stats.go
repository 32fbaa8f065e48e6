// Package stats aggregates per-task work counters and derives rate and ETA.
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

const (
	defaultWindow        = 30 * time.Second
	defaultMinETAElapsed = 2 * time.Second
)

// Aggregator is the only per-task object mutated by concurrent workers.
// All state sits behind a single mutex; no other lock is taken while it is held.
type Aggregator struct {
	mu            sync.Mutex
	now           func() time.Time
	window        time.Duration
	minETAElapsed time.Duration

	started time.Time
	total   int64
	sealed  bool

	succeeded int64
	failed    int64
	skipped   int64
	cancelled int64
	counters  map[string]int64

	// recent holds completion times inside the throughput window, oldest first.
	recent []time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// WithWindow sets the sliding window used for throughput.
func WithWindow(d time.Duration) Option { return func(a *Aggregator) { a.window = d } }

// WithMinETAElapsed sets how long a task must run before an ETA is reported.
func WithMinETAElapsed(d time.Duration) Option {
	return func(a *Aggregator) { a.minETAElapsed = d }
}

// New returns an Aggregator whose clock starts now.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:           time.Now,
		window:        defaultWindow,
		minETAElapsed: defaultMinETAElapsed,
		counters:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.now()
	return a
}

// Reset zeroes every counter and restarts the clock.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = a.now()
	a.total, a.sealed = 0, false
	a.succeeded, a.failed, a.skipped, a.cancelled = 0, 0, 0, 0
	a.counters = make(map[string]int64)
	a.recent = nil
}

// AddTotal grows the expected item count while enumeration is in progress.
func (a *Aggregator) AddTotal(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return fmt.Errorf("stats: total is sealed at %d", a.total)
	}
	a.total += n
	return nil
}

// Seal fixes the total; later AddTotal calls fail.
func (a *Aggregator) Seal() {
	a.mu.Lock()
	a.sealed = true
	a.mu.Unlock()
}

// SetTotal sets and seals the total in one step.
func (a *Aggregator) SetTotal(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed && a.total != n {
		return fmt.Errorf("stats: total is sealed at %d", a.total)
	}
	a.total, a.sealed = n, true
	return nil
}

// Record folds one terminal item outcome into the counters.
func (a *Aggregator) Record(status domain.ItemStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch status {
	case domain.ItemSucceeded:
		a.succeeded++
	case domain.ItemFailed:
		a.failed++
	case domain.ItemSkipped:
		a.skipped++
	case domain.ItemCancelled:
		a.cancelled++
		return
	default:
		return
	}
	now := a.now()
	a.recent = append(a.recent, now)
	a.trim(now)
}

// Incr bumps a named extra counter such as "pdf_downloads".
func (a *Aggregator) Incr(name string, delta int64) {
	a.mu.Lock()
	a.counters[name] += delta
	a.mu.Unlock()
}

// Snapshot returns the current counters with derived rate and ETA.
func (a *Aggregator) Snapshot() domain.ProgressSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.trim(now)
	elapsed := now.Sub(a.started)
	processed := a.succeeded + a.failed + a.skipped

	snap := domain.ProgressSnapshot{
		Total:     a.total,
		Processed: processed,
		Succeeded: a.succeeded,
		Failed:    a.failed,
		Skipped:   a.skipped,
		Cancelled: a.cancelled,
		Elapsed:   elapsed,
	}
	if len(a.counters) > 0 {
		snap.Counters = make(map[string]int64, len(a.counters))
		for k, v := range a.counters {
			snap.Counters[k] = v
		}
	}
	if a.total > 0 {
		snap.CompletionRate = float64(processed) / float64(a.total)
	}

	span := a.window
	if elapsed < span {
		span = elapsed
	}
	if span > 0 {
		snap.Throughput = float64(len(a.recent)) / span.Seconds()
	}

	// Display value only: recent throughput when there is any, otherwise the
	// average since start.
	if processed > 0 && elapsed >= a.minETAElapsed && a.total > processed {
		remaining := a.total - processed
		if snap.Throughput > 0 {
			snap.ETA = time.Duration(float64(remaining) / snap.Throughput * float64(time.Second))
		} else {
			snap.ETA = elapsed / time.Duration(processed) * time.Duration(remaining)
		}
	}
	return snap
}

// trim drops completion times older than the window. Caller holds mu.
func (a *Aggregator) trim(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.recent) && a.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.recent = append(a.recent[:0], a.recent[i:]...)
	}
}
