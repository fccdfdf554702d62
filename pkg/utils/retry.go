package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryConfig controls RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryableErrors, when set, limits retries to errors matching one of them.
	RetryableErrors []error
	// Permanent reports errors that end the loop immediately.
	Permanent        func(error) bool
	MaxJitterPercent float64
	// OnRetry is called before each wait with the failed attempt number (1-based).
	OnRetry func(attempt int, err error, wait time.Duration)
	// Clock drives the waits between attempts. Nil means the wall clock.
	Clock clock.Clock
}

// DefaultRetryConfig returns the retry policy used for ledger sinks and keeper jobs.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BackoffFactor:    2.0,
		MaxJitterPercent: 0.2,
	}
}

// RetryWithBackoff runs operation until it succeeds, returns a non-retryable
// error, or MaxAttempts is reached. The final error wraps the last failure.
func RetryWithBackoff(ctx context.Context, operation func() error, cfg *RetryConfig) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lastErr = operation(); lastErr == nil {
			return nil
		}
		if !cfg.retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}
		timer := clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff returns the wait after the given failed attempt (1-based),
// including jitter.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.BackoffFactor)
		if c.MaxDelay > 0 && delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.MaxJitterPercent > 0 {
		delay += time.Duration(float64(delay) * c.MaxJitterPercent * rand.Float64())
	}
	return delay
}

func (c *RetryConfig) retryable(err error) bool {
	if c.Permanent != nil && c.Permanent(err) {
		return false
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, target := range c.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
