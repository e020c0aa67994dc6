package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/relaymesh/relay/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
	Clock         core.Clock
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		Clock:         core.RealClock{},
	}
}

// Backoff returns the delay before the given retry attempt (1-based):
// InitialDelay * BackoffFactor^(attempt-1), capped at MaxDelay, with
// +/-10% jitter when enabled.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.BackoffFactor)
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterEnabled {
		jitter := 1 + (rand.Float64()*0.2 - 0.1)
		delay = time.Duration(float64(delay) * jitter)
	}
	return delay
}

// Retry executes fn with exponential backoff until it succeeds, the
// attempts are exhausted, or shouldRetry rejects the error. A nil
// shouldRetry retries every error.
func Retry(ctx context.Context, config *RetryConfig, shouldRetry func(error) bool, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = core.RealClock{}
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if shouldRetry != nil && !shouldRetry(err) {
				return err
			}
		}

		if attempt == config.MaxAttempts {
			break
		}
		if err := clock.Sleep(ctx, config.Backoff(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %v: %w", config.MaxAttempts, lastErr, core.ErrRetriesExhausted)
}
