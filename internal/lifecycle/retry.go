package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"mancanexus/internal/store"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

func defaultRetry() retryConfig {
	return retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
}

// retryOnConflict runs fn until it succeeds, fails with anything other than
// store.ErrConflict, or runs out of attempts.
// Schedule with defaults: 0, 10, 20, 40, 80, 160 ms plus up to 30% jitter.
func retryOnConflict(ctx context.Context, cfg retryConfig, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // jitter only
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrConflict) {
			return lastErr
		}
		if onRetry != nil && attempt < cfg.maxAttempts-1 {
			onRetry(attempt+1, lastErr)
		}
	}
	return lastErr
}
