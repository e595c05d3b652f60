package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReconnectExhausted is returned once every reconnect attempt has failed
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts  int           // Maximum number of reconnection attempts
	InitialDelay time.Duration // Delay before the first attempt
	Multiplier   float64       // Backoff multiplier for exponential backoff
	MaxDelay     time.Duration // Upper bound for any single delay

	// OnAttempt is called right before each attempt, after its delay has elapsed
	OnAttempt func(attempt int, delay time.Duration)
	// OnFailure is called after each failed attempt
	OnFailure func(attempt int, err error)
	// IsRetryable, when set, ends the loop early on an error it rejects
	IsRetryable IsRetryableError
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// Delay returns the wait before the given 1-based attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay)
func (c *ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return CalculateBackoff(attempt-1, c.InitialDelay, c.MaxDelay, c.Multiplier)
}

// ReconnectFunc attempts one reconnect; attempt starts at 1
type ReconnectFunc func(attempt int) error

// Reconnect runs fn up to MaxAttempts times, sleeping Delay(n) before attempt n.
// It returns nil on the first success, ctx.Err() when cancelled, or an error
// wrapping ErrReconnectExhausted and the last failure. A failure rejected by
// IsRetryable ends the loop at once.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		delay := config.Delay(attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if config.OnAttempt != nil {
			config.OnAttempt(attempt, delay)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		// A cancelled context takes priority over the attempt error
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if config.OnFailure != nil {
			config.OnFailure(attempt, err)
		}

		if config.IsRetryable != nil && !config.IsRetryable(err) {
			return fmt.Errorf("%w: permanent failure on attempt %d: %w", ErrReconnectExhausted, attempt, err)
		}
	}

	if lastErr == nil {
		return ErrReconnectExhausted
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, config.MaxAttempts, lastErr)
}
