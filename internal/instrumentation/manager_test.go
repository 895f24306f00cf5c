package instrumentation

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/interfaces"
)

// fakeHandle records executed commands and replays scripted responses
type fakeHandle struct {
	commands  []string
	responses map[string]string
	failOn    map[string]error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		responses: make(map[string]string),
		failOn:    make(map[string]error),
	}
}

func (h *fakeHandle) ID() string            { return "session-1" }
func (h *fakeHandle) EnvironmentID() string { return "env-1" }

func (h *fakeHandle) Exec(_ context.Context, command string) (string, error) {
	h.commands = append(h.commands, command)
	if err, ok := h.failOn[command]; ok {
		return "", err
	}
	return h.responses[command], nil
}

func (h *fakeHandle) Upload(context.Context, []byte, string, os.FileMode) error { return nil }
func (h *fakeHandle) Remove(context.Context, string) error                      { return nil }
func (h *fakeHandle) Close() error                                              { return nil }

func TestManager_ValidateConfig(t *testing.T) {
	t.Parallel()

	m := NewManager()

	t.Run("NilConfig", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, m.ValidateConfig(nil, "amd64"))
	})

	t.Run("ValidCombination", func(t *testing.T) {
		t.Parallel()
		cfg := &interfaces.InstrumentationConfig{KASAN: true, Coverage: true, Profiling: true}
		require.NoError(t, m.ValidateConfig(cfg, "amd64"))
	})

	t.Run("KasanKtsanExclusive", func(t *testing.T) {
		t.Parallel()
		cfg := &interfaces.InstrumentationConfig{KASAN: true, KTSAN: true}
		err := m.ValidateConfig(cfg, "amd64")
		require.Error(t, err)

		var cfgErr *interfaces.UnsupportedConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Reason, "cannot be enabled together")
	})

	t.Run("KtsanRequiresAmd64", func(t *testing.T) {
		t.Parallel()
		cfg := &interfaces.InstrumentationConfig{KTSAN: true}
		require.NoError(t, m.ValidateConfig(cfg, "amd64"))
		require.Error(t, m.ValidateConfig(cfg, "arm64"))
		require.Error(t, m.ValidateConfig(cfg, "riscv64"))
	})

	t.Run("KasanNotOnRiscv64", func(t *testing.T) {
		t.Parallel()
		cfg := &interfaces.InstrumentationConfig{KASAN: true}
		require.NoError(t, m.ValidateConfig(cfg, "arm64"))
		require.Error(t, m.ValidateConfig(cfg, "riscv64"))
	})

	t.Run("KernelParamMetacharacters", func(t *testing.T) {
		t.Parallel()
		for _, param := range []string{"quiet; rm -rf /", "a&&b", "x|y", "$(id)", "`id`"} {
			cfg := &interfaces.InstrumentationConfig{KernelParams: []string{param}}
			err := m.ValidateConfig(cfg, "amd64")
			require.Error(t, err, "param %q should be rejected", param)
		}

		cfg := &interfaces.InstrumentationConfig{KernelParams: []string{"slub_debug=P", "page_poison=1"}}
		require.NoError(t, m.ValidateConfig(cfg, "amd64"))
	})
}

func TestManager_Apply(t *testing.T) {
	t.Parallel()

	m := NewManager()

	t.Run("NilConfigIsNoop", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		require.NoError(t, m.Apply(context.Background(), handle, nil))
		assert.Empty(t, handle.commands)
	})

	t.Run("RunsActionsForEnabledFlags", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		cfg := &interfaces.InstrumentationConfig{KASAN: true, Profiling: true}

		require.NoError(t, m.Apply(context.Background(), handle, cfg))
		require.NotEmpty(t, handle.commands)

		joined := ""
		for _, c := range handle.commands {
			joined += c + "\n"
		}
		assert.Contains(t, joined, "kasan=on")
		assert.Contains(t, joined, "perf_event_paranoid")
	})

	t.Run("ActionFailureAborts", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		handle.failOn["sysctl -w kernel.perf_event_paranoid=-1"] = errors.New("read-only fs")
		cfg := &interfaces.InstrumentationConfig{Profiling: true}

		err := m.Apply(context.Background(), handle, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "perf-paranoid")
	})
}

func TestManager_Verify(t *testing.T) {
	t.Parallel()

	m := NewManager()

	t.Run("AllProbesPass", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		handle.responses["perf --version"] = "perf version 6.8.1"
		cfg := &interfaces.InstrumentationConfig{Profiling: true}

		result := m.Verify(context.Background(), handle, cfg)
		assert.True(t, result.Passed)
		assert.Empty(t, result.FailedChecks())
	})

	t.Run("MissingExpectedOutputFails", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		handle.responses["perf --version"] = "command not found"
		cfg := &interfaces.InstrumentationConfig{Profiling: true}

		result := m.Verify(context.Background(), handle, cfg)
		assert.False(t, result.Passed)
		assert.Equal(t, []string{"profiling"}, result.FailedChecks())
	})

	t.Run("MonitoringToolProbe", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		handle.responses["command -v trace-cmd >/dev/null && echo tool-present"] = "tool-present"
		cfg := &interfaces.InstrumentationConfig{MonitoringTools: []string{"trace-cmd", "bpftrace"}}

		result := m.Verify(context.Background(), handle, cfg)
		assert.False(t, result.Passed)
		assert.Equal(t, []string{"bpftrace"}, result.FailedChecks())
	})

	t.Run("ProbeErrorRecordsFailure", func(t *testing.T) {
		t.Parallel()
		handle := newFakeHandle()
		handle.failOn["perf --version"] = errors.New("session lost")
		cfg := &interfaces.InstrumentationConfig{Profiling: true}

		result := m.Verify(context.Background(), handle, cfg)
		assert.False(t, result.Passed)
	})
}

func TestMandatory(t *testing.T) {
	t.Parallel()

	cfg := &interfaces.InstrumentationConfig{MandatoryTools: []string{"kasan", "trace-cmd"}}
	assert.True(t, Mandatory(cfg, "kasan"))
	assert.True(t, Mandatory(cfg, "trace-cmd"))
	assert.False(t, Mandatory(cfg, "bpftrace"))
	assert.False(t, Mandatory(nil, "kasan"))
}
