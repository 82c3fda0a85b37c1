// Package retry applies a bounded exponential backoff to a single remote call.
package retry

import (
	"context"
	"time"
)

// Policy describes how a failing call is retried. The delay before attempt
// n+1 is Multiplier * 2^(n-1), clamped to [MinDelay, MaxDelay].
type Policy struct {
	MaxAttempts int
	Multiplier  time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is three attempts with 4s..10s backoff.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Multiplier:  time.Second,
		MinDelay:    4 * time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Multiplier
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged so callers can
// still match it with errors.Is.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep is a Sleep func that returns immediately unless ctx is done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
