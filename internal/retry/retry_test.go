package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Retry(t *testing.T) {
	fast := &Backoff{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := fast.Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := fast.Retry(context.Background(), func() error { calls++; return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, fast.Attempts(), calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := fast.Retry(ctx, func() error { calls++; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})
}

func TestBackoff_Delay(t *testing.T) {
	b := &Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, time.Second, b.Delay(20))

	b.Jitter = true
	d := b.Delay(1)
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)
	assert.LessOrEqual(t, d, 25*time.Millisecond)
}
