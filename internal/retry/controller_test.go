package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/interfaces"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func TestController_Do(t *testing.T) {
	t.Parallel()

	t.Run("SucceedsFirstAttempt", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(3))

		calls := 0
		attempts, err := c.Do(context.Background(), "dep-1", interfaces.StageConnect, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("RetriesRetryableError", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(3))

		calls := 0
		attempts, err := c.Do(context.Background(), "dep-1", interfaces.StageConnect, func(context.Context) error {
			calls++
			if calls < 3 {
				return &interfaces.ConnectionError{Endpoint: "x", Err: errors.New("reset")}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("FatalErrorReturnsImmediately", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(3))

		calls := 0
		fatal := &interfaces.AuthenticationError{Endpoint: "x", Err: errors.New("denied")}
		attempts, err := c.Do(context.Background(), "dep-1", interfaces.StageConnect, func(context.Context) error {
			calls++
			return fatal
		})
		require.Error(t, err)
		assert.Equal(t, fatal, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("ExhaustsAttempts", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(3))

		calls := 0
		retryable := &interfaces.DependencyInstallError{Name: "gdb", Err: errors.New("mirror down")}
		attempts, err := c.Do(context.Background(), "dep-1", interfaces.StageInstallDeps, func(context.Context) error {
			calls++
			return retryable
		})
		require.Error(t, err)
		assert.Equal(t, retryable, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("ContextCanceledBeforeFirstAttempt", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(3))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		attempts, err := c.Do(ctx, "dep-1", interfaces.StageConnect, func(context.Context) error {
			calls++
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, attempts)
		assert.Equal(t, 0, calls)
	})

	t.Run("ContextCanceledDuringBackoff", func(t *testing.T) {
		t.Parallel()
		c := NewController(Policy{
			BaseDelay:   time.Minute, // long enough that cancellation wins
			MaxDelay:    time.Minute,
			MaxAttempts: 3,
		})

		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		done := make(chan struct{})
		var attempts int
		var err error
		go func() {
			attempts, err = c.Do(ctx, "dep-1", interfaces.StageConnect, func(context.Context) error {
				calls++
				return &interfaces.ConnectionError{Endpoint: "x", Err: errors.New("reset")}
			})
			close(done)
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Do did not return after cancellation")
		}
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})
}

func TestController_DoWithMaxAttempts(t *testing.T) {
	t.Parallel()

	t.Run("OverridesCeiling", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(3))

		calls := 0
		retryable := &interfaces.ConnectionError{Endpoint: "x", Err: errors.New("reset")}
		attempts, err := c.DoWithMaxAttempts(context.Background(), "dep-1", interfaces.StageConnect, 5, func(context.Context) error {
			calls++
			return retryable
		})
		require.Error(t, err)
		assert.Equal(t, 5, attempts)
		assert.Equal(t, 5, calls)
	})

	t.Run("ZeroFallsBackToPolicy", func(t *testing.T) {
		t.Parallel()
		c := NewController(fastPolicy(2))

		calls := 0
		_, err := c.DoWithMaxAttempts(context.Background(), "dep-1", interfaces.StageConnect, 0, func(context.Context) error {
			calls++
			return &interfaces.ConnectionError{Endpoint: "x", Err: errors.New("reset")}
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
	})
}

func TestController_BackoffSchedule(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := 400 * time.Millisecond
	c := NewController(Policy{BaseDelay: base, MaxDelay: max, MaxAttempts: 5})

	t.Run("DelaysNeverDecrease", func(t *testing.T) {
		t.Parallel()
		for trial := 0; trial < 100; trial++ {
			bo := c.newBackOff(c.policy)
			var prev time.Duration
			for i := 0; i < 8; i++ {
				d := bo.NextBackOff()
				require.NotEqual(t, backoff.Stop, d)
				assert.GreaterOrEqual(t, d, prev)
				assert.LessOrEqual(t, d, max)
				prev = d
			}
		}
	})

	t.Run("DoublesWithAdditiveJitter", func(t *testing.T) {
		t.Parallel()
		bo := c.newBackOff(c.policy)

		first := bo.NextBackOff()
		assert.GreaterOrEqual(t, first, base)
		assert.Less(t, first, 2*base)

		second := bo.NextBackOff()
		assert.GreaterOrEqual(t, second, 2*base)
		assert.Less(t, second, 3*base)
	})

	t.Run("CapsAtMaxDelay", func(t *testing.T) {
		t.Parallel()
		bo := c.newBackOff(c.policy)
		var d time.Duration
		for i := 0; i < 10; i++ {
			d = bo.NextBackOff()
		}
		assert.Equal(t, max, d)
	})
}

func TestPolicy_Defaults(t *testing.T) {
	t.Parallel()

	c := NewController(Policy{})
	assert.Equal(t, DefaultMaxAttempts, c.MaxAttempts())

	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
}
