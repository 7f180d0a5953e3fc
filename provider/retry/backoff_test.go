package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"pgregory.net/rapid"
)

func testConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), testConfig(), zap.NewNop(), func() (int, error) {
		calls++
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), testConfig(), zap.NewNop(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("HTTP 503 Service unavailable")
		}
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsMaxRetries(t *testing.T) {
	calls := 0
	cfg := testConfig()
	cfg.MaxRetries = 2

	_, err := Do(context.Background(), cfg, zap.NewNop(), func() (int, error) {
		calls++
		return 0, errors.New("HTTP 503 Service unavailable")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testConfig(), zap.NewNop(), func() (int, error) {
		calls++
		return 0, errors.New("HTTP 400 Bad request")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_LimiterThrottlesAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.Limiter = rate.NewLimiter(rate.Limit(1), 1)

	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), cfg, zap.NewNop(), func() (int, error) {
		calls++
		return 0, errors.New("HTTP 503 Service unavailable")
	})
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	// Burst of 1 at 1/sec means the 2nd and 3rd attempts each wait ~1s
	// for a new token, on top of the (much shorter) backoff sleeps.
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
}

func TestDo_LimiterCanceledContextReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.Limiter = rate.NewLimiter(rate.Limit(1), 0)

	calls := 0
	_, err := Do(ctx, cfg, zap.NewNop(), func() (int, error) {
		calls++
		return 42, nil
	})

	assert.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestDo_NilLimiterDoesNotThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.Limiter = nil

	calls := 0
	result, err := Do(context.Background(), cfg, zap.NewNop(), func() (int, error) {
		calls++
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

// TestDo_AttemptCountMatchesMaxRetries checks the retry attempt-count
// invariant: for any MaxRetries and a function that always fails with a
// retryable error, Do invokes fn exactly MaxRetries+1 times -- never fewer
// (giving up early) and never more (retrying past the configured ceiling).
func TestDo_AttemptCountMatchesMaxRetries(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 6).Draw(rt, "maxRetries")
		cfg := Config{
			MaxRetries:     maxRetries,
			InitialBackoff: time.Microsecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     2.0,
		}

		calls := 0
		_, err := Do(context.Background(), cfg, zap.NewNop(), func() (int, error) {
			calls++
			return 0, errors.New("connection reset")
		})

		assert.Error(t, err)
		assert.Equal(t, maxRetries+1, calls, "Do should invoke fn exactly MaxRetries+1 times")
	})
}

// TestDo_AttemptCountStopsAtFirstSuccess checks that, for any MaxRetries and
// any point at which fn starts succeeding, Do stops retrying immediately --
// it never calls fn again once a non-error result is returned.
func TestDo_AttemptCountStopsAtFirstSuccess(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 6).Draw(rt, "maxRetries")
		succeedAt := rapid.IntRange(1, maxRetries+1).Draw(rt, "succeedAt")

		cfg := Config{
			MaxRetries:     maxRetries,
			InitialBackoff: time.Microsecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     2.0,
		}

		calls := 0
		result, err := Do(context.Background(), cfg, zap.NewNop(), func() (int, error) {
			calls++
			if calls >= succeedAt {
				return 99, nil
			}
			return 0, errors.New("connection reset")
		})

		assert.NoError(t, err)
		assert.Equal(t, 99, result)
		assert.Equal(t, succeedAt, calls, "Do should stop at the first successful attempt")
	})
}

func TestDo_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.InitialBackoff = 50 * time.Millisecond

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, cfg, zap.NewNop(), func() (int, error) {
		calls++
		return 0, errors.New("connection reset")
	})

	assert.Error(t, err)
}
