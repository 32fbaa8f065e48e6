package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Class is the retry classification of an error.
type Class int

const (
	// Retryable errors consume an attempt and trigger backoff.
	Retryable Class = iota
	// Terminal errors end the operation immediately.
	Terminal
)

// Policy controls retry behaviour.
type Policy struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// Multiplier scales the delay per attempt: BaseDelay * Multiplier^attempt.
	// Values below 1 are treated as 1 (constant backoff).
	Multiplier float64
	// JitterFraction spreads each delay uniformly over ±fraction. Clamped to [0, 1].
	JitterFraction float64
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
	// Classify decides whether an error is worth retrying. Nil uses DefaultClassify.
	Classify func(err error) Class
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 0-indexed (0 = first attempt just failed).
	OnRetry func(attempt int, delay time.Duration, err error)
	// Rand returns a value in [0, 1) for jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the policy used for flaky network operations.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		Multiplier:     2,
		JitterFraction: 0.1,
		MaxDelay:       30 * time.Second,
	}
}

// DefaultClassify retries errors that declare themselves retryable through a
// Retryable() bool method. Cancellation and everything else are terminal; a
// bare deadline error is terminal unless something marked it retryable.
func DefaultClassify(err error) Class {
	if errors.Is(err, context.Canceled) {
		return Terminal
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && r.Retryable() {
		return Retryable
	}
	return Terminal
}

// Delay returns the un-jittered wait after the given 0-indexed failed attempt.
//
// With BaseDelay=1s, Multiplier=2:
//
//	attempt 0 fails → wait 1s
//	attempt 1 fails → wait 2s
//	attempt 2 fails → wait 4s
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Backoff returns Delay(attempt) with jitter applied.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	frac := math.Min(math.Max(p.JitterFraction, 0), 1)
	if frac == 0 || d == 0 {
		return d
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	factor := 1 + frac*(2*rnd()-1)
	return time.Duration(float64(d) * factor)
}

func (p Policy) classify(err error) Class {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return DefaultClassify(err)
}

// Do calls fn until it succeeds, fails with a Terminal error, or
// p.MaxAttempts calls have been made. fn receives the 0-indexed attempt.
//
// It returns the index of the last attempt made together with nil on success
// or the last error otherwise. Cancelling ctx interrupts a backoff sleep; the
// returned error then wraps ctx.Err().
func Do(ctx context.Context, p Policy, fn func(attempt int) error) (int, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}

		// Last attempt or non-retryable: return without sleeping.
		if attempt+1 >= p.MaxAttempts || p.classify(err) == Terminal {
			return attempt, err
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
