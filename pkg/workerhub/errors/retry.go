package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig is the retry policy for descriptor resolution.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffFactor multiplies the delay after every failed attempt. Values
	// below 1 keep the delay constant.
	BackoffFactor float64

	// Jitter spreads each delay by up to ±Jitter of its length (0.0-1.0).
	Jitter float64

	// RetryableFunc replaces IsRetryable when set.
	RetryableFunc func(error) bool
}

// NoRetry makes exactly one attempt. It is the install pipeline default.
var NoRetry = RetryConfig{MaxAttempts: 1}

// DefaultRetry is the policy used when an operator opts in to retries.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// delay returns the wait before attempt n+1, where n >= 1 attempts have failed.
func (c RetryConfig) delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	if c.BackoffFactor > 1 {
		for i := 1; i < n; i++ {
			d *= c.BackoffFactor
			if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
				break
			}
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func (c RetryConfig) retryable(err error) bool {
	if c.RetryableFunc != nil {
		return c.RetryableFunc(err)
	}
	return IsRetryable(err)
}

// WithRetryContext calls fn until it succeeds, returns a permanent error,
// exhausts cfg.MaxAttempts or ctx ends. The error fn returned is passed
// through untouched so callers keep its Kind; if ctx ends before the first
// attempt, ctx.Err() is returned.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	attempts := max(cfg.MaxAttempts, 1)

	res := RetryResult[T]{}
	for res.Attempts < attempts {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			break
		}

		res.Attempts++
		res.Value, res.Err = fn(ctx)
		if res.Err == nil || !cfg.retryable(res.Err) || res.Attempts == attempts {
			break
		}

		timer := time.NewTimer(cfg.delay(res.Attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Duration = time.Since(start)
			return res
		case <-timer.C:
		}
	}

	res.Duration = time.Since(start)
	return res
}
