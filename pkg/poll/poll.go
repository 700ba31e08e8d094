// Package poll repeats a check at a fixed interval until it reports done,
// fails terminally, or runs out of attempts or time.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStillPending is returned when the attempt or time bound is exhausted
// before the condition reported done
var ErrStillPending = errors.New("still pending")

// Config bounds a poll
type Config struct {
	// InitialDelay is waited once before the first check
	InitialDelay time.Duration
	// Interval is the fixed wait between checks
	Interval time.Duration
	// MaxAttempts caps the number of checks (0 = unlimited)
	MaxAttempts int
	// Timeout caps total elapsed time, delays included (0 = unlimited)
	Timeout time.Duration

	// Sleep and Now are replaced in tests
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Condition is one check. done ends the poll successfully. A Transient
// error is retried; any other error ends the poll and is returned.
type Condition func(ctx context.Context) (done bool, err error)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Until runs cond until it is done. It returns the number of checks made.
// Exhausting MaxAttempts or Timeout yields ErrStillPending; cancelling ctx
// yields ctx.Err().
func Until(ctx context.Context, cfg Config, cond Condition) (int, error) {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = now().Add(cfg.Timeout)
	}

	if cfg.InitialDelay > 0 {
		if err := sleep(ctx, cfg.InitialDelay); err != nil {
			return 0, err
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		done, err := cond(ctx)
		if err == nil && done {
			return attempt, nil
		}
		if err != nil {
			if !IsTransient(err) {
				return attempt, err
			}
			lastErr = err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return attempt, pending(attempt, lastErr)
		}
		if !deadline.IsZero() && !now().Add(cfg.Interval).Before(deadline) {
			return attempt, pending(attempt, lastErr)
		}

		if err := sleep(ctx, cfg.Interval); err != nil {
			return attempt, err
		}
	}
}

func pending(attempts int, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%w after %d checks (last error: %v)", ErrStillPending, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d checks", ErrStillPending, attempts)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
