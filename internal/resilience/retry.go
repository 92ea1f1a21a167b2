package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"aiorchestrator/internal/clock"
)

// RetryConfig configures exponential backoff retry.
type RetryConfig struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	Jitter             bool
	RetryOnTimeout     bool
	RetryOnRateLimit   bool
	RetryOnServerError bool
}

// Retry executes fn with exponential backoff, sleeping through clk so
// tests can drive the schedule deterministically. Context cancellation
// during a backoff sleep returns ctx.Err() immediately.
func Retry(ctx context.Context, clk clock.Clock, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt, config.BackoffBase, config.BackoffMax, config.Jitter)
			if err := clk.Sleep(ctx, backoff); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryableError(err, config) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff computes base * 2^attempt, capped at max, with
// optional +/-25% jitter.
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))

	if backoff > max {
		backoff = max
	}

	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff += time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

// isRetryableError classifies a plain error by message content. It is
// kept for providers that return opaque errors; callers that can
// classify by domain.ErrorKind should prefer that (see
// domain.ErrorKind.Retryable).
func isRetryableError(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if config.RetryOnTimeout && (strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")) {
		return true
	}

	if config.RetryOnRateLimit && (strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "429")) {
		return true
	}

	if config.RetryOnServerError && (strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe")) {
		return true
	}

	return false
}
