package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/interfaces"
)

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		require.NoError(t, r.Register(&interfaces.EnvironmentConfig{
			ID:   "vm-1",
			Pool: interfaces.PoolVirtual,
			Host: "10.0.0.5",
		}))

		cfg, ok := r.Get("vm-1")
		require.True(t, ok)
		assert.Equal(t, "10.0.0.5", cfg.Host)
	})

	t.Run("MissingID", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.Error(t, r.Register(&interfaces.EnvironmentConfig{Pool: interfaces.PoolVirtual}))
		require.Error(t, r.Register(nil))
	})

	t.Run("UnknownPool", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		err := r.Register(&interfaces.EnvironmentConfig{ID: "x", Pool: "cloud"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown pool")
	})

	t.Run("Duplicate", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		cfg := &interfaces.EnvironmentConfig{ID: "vm-1", Pool: interfaces.PoolVirtual}
		require.NoError(t, r.Register(cfg))
		require.Error(t, r.Register(cfg))
	})
}

func TestRegistry_PoolAndList(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&interfaces.EnvironmentConfig{ID: "vm-1", Pool: interfaces.PoolVirtual}))
	require.NoError(t, r.Register(&interfaces.EnvironmentConfig{ID: "vm-2", Pool: interfaces.PoolVirtual}))
	require.NoError(t, r.Register(&interfaces.EnvironmentConfig{ID: "board-1", Pool: interfaces.PoolPhysical}))

	pool, ok := r.Pool("board-1")
	require.True(t, ok)
	assert.Equal(t, interfaces.PoolPhysical, pool)

	_, ok = r.Pool("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"vm-1", "vm-2"}, r.List(interfaces.PoolVirtual))
	assert.ElementsMatch(t, []string{"board-1"}, r.List(interfaces.PoolPhysical))
}

func TestLoadRegistry(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "environments.json")
		content := `[
			{"id": "vm-1", "pool": "virtual", "host": "10.0.0.5", "arch": "amd64"},
			{"id": "board-1", "pool": "physical", "host": "10.0.1.7", "board_id": "rk3588-01"}
		]`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		r, err := LoadRegistry(path)
		require.NoError(t, err)

		cfg, ok := r.Get("vm-1")
		require.True(t, ok)
		assert.Equal(t, "amd64", cfg.Arch)

		cfg, ok = r.Get("board-1")
		require.True(t, ok)
		assert.Equal(t, "rk3588-01", cfg.BoardID)
	})

	t.Run("MissingFile", func(t *testing.T) {
		t.Parallel()
		_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "environments.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

		_, err := LoadRegistry(path)
		require.Error(t, err)
	})

	t.Run("InvalidEntry", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "environments.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id": "x", "pool": "cloud"}]`), 0o600))

		_, err := LoadRegistry(path)
		require.Error(t, err)
	})
}
