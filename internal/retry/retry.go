// Package retry runs an operation under a bounded attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sleeper pauses between attempts. Implementations must return early with the
// context error when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// Policy bounds how many times an operation runs and how long to wait between runs.
// A Multiplier of 0 or 1 yields a fixed delay.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Exponential returns a policy whose delay doubles up to maxDelay.
func Exponential(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: base, Multiplier: 2, MaxDelay: maxDelay}
}

// Backoff returns the wait after the given 1-based attempt failed.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Multiplier <= 1 {
		return p.Delay
	}
	delay := float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Notify observes each failed attempt before the wait that follows it.
type Notify func(attempt, maxAttempts int, err error)

// Do calls fn until it succeeds or the policy is exhausted. No wait follows the
// final attempt. Cancellation of ctx stops the loop and is returned as is.
func Do(ctx context.Context, p Policy, s Sleeper, fn func(context.Context) error, notify Notify) error {
	maxAttempts := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if notify != nil {
			notify(attempt, maxAttempts, lastErr)
		}
		if attempt == maxAttempts {
			break
		}
		if err := s.Sleep(ctx, p.Backoff(attempt)); err != nil {
			return fmt.Errorf("retry canceled: %w", errors.Join(err, lastErr))
		}
	}
	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
