package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffSchedule(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 30 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      2,
	})

	assert.Equal(t, 30*time.Second, backoff(1))
	assert.Equal(t, time.Minute, backoff(2))
	assert.Equal(t, 2*time.Minute, backoff(3))
	assert.Equal(t, 4*time.Minute, backoff(4))
	assert.Equal(t, 8*time.Minute, backoff(5))
	assert.Equal(t, 10*time.Minute, backoff(6))
	assert.Equal(t, 10*time.Minute, backoff(20))
}

func TestExponentialBackoffZeroInitial(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{Jitter: true, Multiplier: 2})
	for attempt := 0; attempt < 5; attempt++ {
		assert.Zero(t, backoff(attempt))
	}
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          true,
	})
	for i := 0; i < 100; i++ {
		d := backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestWithRetry(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 3}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), cfg, func(attempt int) error {
			assert.Equal(t, calls, attempt)
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithRetry(context.Background(), cfg, func(int) error {
			calls++
			return boom
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, calls)
		assert.Contains(t, err.Error(), "after 4 attempts")
	})

	t.Run("stop error", func(t *testing.T) {
		calls := 0
		permanent := errors.New("permanent")
		err := WithRetry(context.Background(), cfg, func(int) error {
			calls++
			return Stop(permanent)
		})
		assert.Equal(t, permanent, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsStopError(Stop(permanent)))
		assert.False(t, IsStopError(permanent))
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := BackoffConfig{InitialInterval: time.Hour, MaxRetries: 2}
		err := WithRetry(ctx, slow, func(int) error {
			cancel()
			return errors.New("transient")
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
