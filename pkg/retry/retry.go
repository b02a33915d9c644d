// Package retry provides exponential backoff with optional jitter. The
// connector uses DelayFor to schedule reconnect attempts; Do wraps one-shot
// operations that should survive transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	pkgerrors "github.com/showito/realtime/errors"
)

// Config describes a backoff schedule.
type Config struct {
	// MaxAttempts is the total number of tries. Zero means 1.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts. Zero means 2.
	Multiplier float64
	// AddJitter randomizes each delay by ±25% to avoid thundering herds.
	AddJitter bool
}

// Default returns the schedule used when callers pass a zero Config:
// 3 attempts, 100ms initial, 5s cap, doubling.
func Default() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// DelayFor returns the delay before retry number attempt (0-based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay, with optional
// jitter. Negative attempts are treated as 0.
func (c Config) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := float64(c.InitialDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.AddJitter {
		delay *= 0.75 + rand.Float64()*0.5
		if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// nonRetryable marks an error that must not be retried.
type nonRetryable struct {
	err error
}

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable wraps err so Do stops immediately instead of retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// Invalid-class and NonRetryable errors stop the loop immediately.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.DelayFor(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var nr *nonRetryable
		if errors.As(lastErr, &nr) {
			return nr.err
		}
		if pkgerrors.IsInvalid(lastErr) || pkgerrors.IsFatal(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}
