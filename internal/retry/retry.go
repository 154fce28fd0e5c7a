package retry

import (
	"context"
	"time"
)

const (
	defaultAttempts       = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultMultiplier     = 3
)

// Policy bounds how a call is retried.
type Policy struct {
	// MaxAttempts includes the first call.
	MaxAttempts int
	// AttemptTimeout bounds each attempt; zero means only the parent ctx.
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Backoff returns the delay after attempt (0-based); exponential with cap.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.InitialBackoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxBackoff {
			d = p.MaxBackoff
		}
	}
	return d
}

// Do runs fn up to MaxAttempts times. Non-retryable errors return
// immediately; cancellation of ctx stops the loop.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue runs fn up to MaxAttempts times and returns its value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		val, err := runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if attempt == p.MaxAttempts-1 || (p.Retryable != nil && !p.Retryable(err)) {
			return zero, err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}
