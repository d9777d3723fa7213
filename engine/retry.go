// ABOUTME: Retry executor: wraps a call with exponential backoff, optional full jitter and a clamped retry budget.
// ABOUTME: Hard timeouts are always retryable; Permanent errors and cancellation never are.
package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Func is one attempt of a wrapped call.
type Func func(ctx context.Context) (Delta, error)

// RetryPolicy controls how WithRetry re-attempts a failing call.
type RetryPolicy struct {
	MaxRetries    int     // clamped to [0, 5]
	BackoffBase   float64 // default 2.0
	BackoffFactor float64 // seconds; delay = BackoffFactor * BackoffBase^attempt
	Jitter        bool    // full jitter: delay is drawn from [0, delay]
	MaxDelay      time.Duration

	// Retryable filters handler errors; nil retries every error.
	Retryable func(error) bool
	// OnRetry is called after the backoff sleep, before the next attempt.
	OnRetry func(err error, attempt int)
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy performs a single attempt with the standard backoff curve.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BackoffBase: 2.0, BackoffFactor: 1.0}
}

// DelayForAttempt returns the pause before retry number attempt+1 (attempt is 0-indexed).
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 2.0
	}
	seconds := p.BackoffFactor * math.Pow(base, float64(attempt))
	if seconds <= 0 {
		return 0
	}
	nanos := seconds * float64(time.Second)
	if p.MaxDelay > 0 {
		nanos = math.Min(nanos, float64(p.MaxDelay))
	}
	if p.Jitter {
		nanos = rand.Float64() * nanos
	}
	return time.Duration(int64(nanos))
}

func (p RetryPolicy) shouldRetry(err error) bool {
	var hte *HardTimeoutError
	switch {
	case errors.As(err, &hte):
		return true
	case errors.Is(err, context.Canceled), IsPermanent(err):
		return false
	case p.Retryable != nil:
		return p.Retryable(err)
	default:
		return true
	}
}

// RetryOverride is a plan-level policy that supersedes a registered default.
type RetryOverride struct {
	MaxRetries    int
	BackoffFactor float64
	Jitter        bool
}

type retryOverrideKey struct{}

// WithRetryOverride attaches an override that WithRetry applies on each call made with ctx.
func WithRetryOverride(ctx context.Context, o RetryOverride) context.Context {
	return context.WithValue(ctx, retryOverrideKey{}, o)
}

func retryOverrideFrom(ctx context.Context) (RetryOverride, bool) {
	o, ok := ctx.Value(retryOverrideKey{}).(RetryOverride)
	return o, ok
}

// WithRetry wraps fn so failures are re-attempted according to policy.
func WithRetry(fn Func, policy RetryPolicy) Func {
	return func(ctx context.Context) (Delta, error) {
		p := policy
		if o, ok := retryOverrideFrom(ctx); ok {
			p.MaxRetries = o.MaxRetries
			p.BackoffFactor = o.BackoffFactor
			p.Jitter = o.Jitter
		}
		p.MaxRetries = clampRetries(p.MaxRetries)
		sleep := p.Sleep
		if sleep == nil {
			sleep = sleepWithContext
		}

		for attempt := 0; ; attempt++ {
			delta, err := fn(ctx)
			if err == nil {
				return delta, nil
			}
			if attempt >= p.MaxRetries || !p.shouldRetry(err) {
				return nil, err
			}
			if serr := sleep(ctx, p.DelayForAttempt(attempt)); serr != nil {
				return nil, errors.Join(err, serr)
			}
			if p.OnRetry != nil {
				p.OnRetry(err, attempt+1)
			}
		}
	}
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
