package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReservationService(t *testing.T) {
	t.Parallel()

	t.Run("AcquireAndRelease", func(t *testing.T) {
		t.Parallel()
		svc := NewMemoryReservationService()

		res, err := svc.Acquire(context.Background(), "vm-1", "dep-1")
		require.NoError(t, err)
		assert.Equal(t, "vm-1", res.EnvironmentID())

		require.NoError(t, res.Release())

		// Released lease can be taken again
		res2, err := svc.Acquire(context.Background(), "vm-1", "dep-2")
		require.NoError(t, err)
		require.NoError(t, res2.Release())
	})

	t.Run("ConflictReportsHolder", func(t *testing.T) {
		t.Parallel()
		svc := NewMemoryReservationService()

		res, err := svc.Acquire(context.Background(), "board-1", "dep-1")
		require.NoError(t, err)
		defer func() { _ = res.Release() }()

		_, err = svc.Acquire(context.Background(), "board-1", "dep-2")
		require.Error(t, err)

		var reserved *ErrAlreadyReserved
		require.ErrorAs(t, err, &reserved)
		assert.Equal(t, "board-1", reserved.EnvironmentID)
		assert.Equal(t, "dep-1", reserved.Holder)
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		t.Parallel()
		svc := NewMemoryReservationService()

		res, err := svc.Acquire(context.Background(), "vm-1", "dep-1")
		require.NoError(t, err)
		require.NoError(t, res.Release())

		// A second Release must not drop a lease acquired in between
		res2, err := svc.Acquire(context.Background(), "vm-1", "dep-2")
		require.NoError(t, err)
		require.NoError(t, res.Release())

		_, err = svc.Acquire(context.Background(), "vm-1", "dep-3")
		require.Error(t, err)
		require.NoError(t, res2.Release())
	})

	t.Run("IndependentEnvironments", func(t *testing.T) {
		t.Parallel()
		svc := NewMemoryReservationService()

		_, err := svc.Acquire(context.Background(), "vm-1", "dep-1")
		require.NoError(t, err)
		_, err = svc.Acquire(context.Background(), "vm-2", "dep-1")
		require.NoError(t, err)
	})

	t.Run("ShutdownDropsLeases", func(t *testing.T) {
		t.Parallel()
		svc := NewMemoryReservationService()

		_, err := svc.Acquire(context.Background(), "vm-1", "dep-1")
		require.NoError(t, err)

		svc.Shutdown()

		_, err = svc.Acquire(context.Background(), "vm-1", "dep-2")
		require.NoError(t, err)
	})
}
