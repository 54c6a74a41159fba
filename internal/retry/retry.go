// Package retry runs operations under an explicit exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultPolicy fits inside the 500ms execution budget: 50ms, 100ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
	}
}

// Backoff returns BaseDelay * 2^retry capped at MaxDelay.
// retry is zero for the wait after the first failure.
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 0 {
		return p.BaseDelay
	}
	// 2^30 * 1ns is already past any sane MaxDelay.
	if retry > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<retry)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry: delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("retry: base_delay %s exceeds max_delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// BudgetError is returned when the context deadline leaves no room for the
// next attempt, or expires while waiting.
type BudgetError struct {
	Attempts int
	Err      error // last attempt error, may be nil
	Cause    error // context error
}

func (e *BudgetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry budget exhausted after %d attempt(s): %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("retry budget exhausted after %d attempt(s): %v (last error: %v)", e.Attempts, e.Cause, e.Err)
}

func (e *BudgetError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Err}
}

type options struct {
	retryIf func(error) bool
	onRetry func(attempt int, err error, delay time.Duration)
}

type Option func(*options)

// RetryIf limits retries to errors for which fn returns true. Other errors
// are returned immediately.
func RetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// OnRetry is called before each backoff wait.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs op until it succeeds or the policy gives up. It returns the number
// of attempts made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	_, n, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	}, opts...)
	return n, err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, &BudgetError{Attempts: attempt - 1, Err: lastErr, Cause: err}
		}

		v, err := op(ctx, attempt)
		if err == nil {
			return v, attempt, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, attempt, &BudgetError{Attempts: attempt, Err: err, Cause: ctxErr}
		}
		if o.retryIf != nil && !o.retryIf(err) {
			return zero, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.Backoff(attempt - 1)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return zero, attempt, &BudgetError{Attempts: attempt, Err: err, Cause: context.DeadlineExceeded}
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, attempt, &BudgetError{Attempts: attempt, Err: lastErr, Cause: err}
		}
	}
	return zero, maxAttempts, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
