// Package retry runs an operation a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config controls Do.
type Config struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	// Delay between attempts. Zero retries immediately.
	Delay time.Duration
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends or
// MaxAttempts calls have been made. fn receives the 1-based attempt.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		// An attempt's own timeout is just a failed attempt; only the
		// caller's context ends the loop.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w: %w", err, lastErr)
		}
		if attempt == attempts || cfg.Delay <= 0 {
			continue
		}
		select {
		case <-time.After(cfg.Delay):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
