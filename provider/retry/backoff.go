// Package retry implements the classify-and-backoff wrapper used around
// adapters' non-streaming Complete calls. Unlike a generic retryer, the
// classification rule is fixed: a small set of substrings in the error
// message decide retryability, matching every adapter across the module.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsurumi-yizhou/fire-box/provider"
)

// Config controls the backoff schedule. The zero value is not usable;
// use DefaultConfig.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Limiter, if set, caps the outbound attempt rate independent of the
	// backoff schedule, so a pathological MaxRetries/backoff combination on
	// a hot alias cannot exceed a configured ceiling of calls per second.
	Limiter *rate.Limiter

	// OnRetry, if set, is invoked before each sleep with the attempt number
	// (1-based), the error that triggered the retry, and the delay about to
	// be slept.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig matches the original retry engine's defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Do invokes fn, retrying on transient failures per cfg. It returns the
// result and error of the final invocation. The operation is invoked
// 1+attempts times, attempts in [0, cfg.MaxRetries].
func Do[T any](ctx context.Context, cfg Config, logger *zap.Logger, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backoff := cfg.InitialBackoff
	var result T
	var lastErr error

	for attempt := 0; ; attempt++ {
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return result, fmt.Errorf("retry rate limit wait: %w", err)
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if attempt >= cfg.MaxRetries {
			logger.Warn("retry attempts exhausted",
				zap.Int("attempts", attempt+1),
				zap.Error(lastErr),
			)
			return result, lastErr
		}

		if !provider.IsRetryable(lastErr) {
			logger.Debug("error not retryable, failing fast", zap.Error(lastErr))
			return result, lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, backoff)
		}
		logger.Debug("retrying after transient error",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return result, fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
