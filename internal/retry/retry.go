// Package retry runs an operation with bounded retries and exponential backoff.
// A Retrier is built per call site invocation and carries no shared state.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"embedstream/internal/core"
)

// DefaultMaxRetries is the retry bound used when callers do not choose one.
const DefaultMaxRetries = 2

// Hooks observes retry decisions. All fields are optional.
type Hooks struct {
	// OnRetry is called before sleeping ahead of attempt number attempt (1-based retry count).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Retrier holds the retry bound and backoff curve for one logical operation.
type Retrier struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	factor         float64
	classify       func(error) bool
	hooks          Hooks
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithInitialBackoff sets the delay before the first retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(r *Retrier) { r.initialBackoff = d }
}

// WithMaxBackoff caps the delay between attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(r *Retrier) { r.maxBackoff = d }
}

// WithBackoffFactor sets the multiplier applied per retry.
func WithBackoffFactor(f float64) Option {
	return func(r *Retrier) { r.factor = f }
}

// WithClassifier replaces core.IsTransient as the retry predicate.
func WithClassifier(fn func(error) bool) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.classify = fn
		}
	}
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(r *Retrier) { r.hooks = h }
}

// New creates a Retrier allowing up to maxRetries additional attempts.
// maxRetries == 0 disables retrying; negative values are treated as 0.
func New(maxRetries int, opts ...Option) *Retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	r := &Retrier{
		maxRetries:     maxRetries,
		initialBackoff: 2 * time.Second,
		maxBackoff:     30 * time.Second,
		factor:         2.0,
		classify:       core.IsTransient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxRetries returns the configured retry bound.
func (r *Retrier) MaxRetries() int {
	return r.maxRetries
}

// ExhaustedError is returned when every allowed attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs op until it succeeds, fails non-transiently, or the retry bound is reached.
// Waiting between attempts honors ctx; a cancelled context surfaces as a cancelled error.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if r == nil {
		r = New(DefaultMaxRetries)
	}

	var lastErr error
	maxAttempts := r.maxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			if r.hooks.OnRetry != nil {
				r.hooks.OnRetry(attempt, delay, lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, core.NewCancelledError(ctx.Err())
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, core.NewCancelledError(err)
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if core.IsCancelled(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, core.NewCancelledError(ctxErr)
			}
			return zero, err
		}
		if !r.classify(err) {
			return zero, err
		}
		lastErr = err
	}

	if r.maxRetries == 0 {
		return zero, lastErr
	}
	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// backoff returns the delay before the given retry (attempt >= 1).
func (r *Retrier) backoff(attempt int) time.Duration {
	d := float64(r.initialBackoff) * math.Pow(r.factor, float64(attempt-1))
	if d > float64(r.maxBackoff) {
		d = float64(r.maxBackoff)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
