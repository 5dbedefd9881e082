// Package resilience provides retry-with-backoff and circuit-breaker
// primitives for guarding calls to components outside this module's
// control. The Webhook Dispatcher keeps one Breaker per subscription so a
// consistently failing endpoint stops consuming a full HTTP timeout on
// every delivery sweep.
package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn with exponential backoff, stopping early on success or
// on context cancellation.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		// Jitter prevents synchronized retries across concurrent callers: a
		// uniform draw from [-10%, +10%] of the computed delay, rather than a
		// fixed offset every caller at the same attempt number would share.
		if config.JitterEnabled {
			delay += randomJitter(delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %w: %w", config.MaxAttempts, lastErr, ErrMaxRetriesExceeded)
}

// randomJitter returns a random offset in [-span, +span] where span is 10%
// of delay. Falls back to no jitter if the CSPRNG read fails, rather than
// block forever or panic on a transient entropy error.
func randomJitter(delay time.Duration) time.Duration {
	span := int64(float64(delay) * 0.1)
	if span <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*span+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64() - span)
}

// RetryWithCircuitBreaker combines Retry with a CircuitBreaker guard.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *Breaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return ErrCircuitBreakerOpen
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
