package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

type uploadRecord struct {
	path string
	mode os.FileMode
	size int
}

// fakeHandle scripts Exec responses by exact command string and records
// uploads and removals
type fakeHandle struct {
	commands  []string
	uploads   []uploadRecord
	removed   []string
	responses map[string]string
	failOn    map[string]error
	uploadErr error
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

func (h *fakeHandle) Upload(_ context.Context, content []byte, path string, mode os.FileMode) error {
	if h.uploadErr != nil {
		return h.uploadErr
	}
	h.uploads = append(h.uploads, uploadRecord{path: path, mode: mode, size: len(content)})
	return nil
}

func (h *fakeHandle) Remove(_ context.Context, path string) error {
	h.removed = append(h.removed, path)
	return nil
}

func (h *fakeHandle) Close() error { return nil }

func testArtifact(id, path string, content []byte) *interfaces.TestArtifact {
	return &interfaces.TestArtifact{
		ID:         id,
		Content:    content,
		Checksum:   interfaces.ComputeChecksum(content),
		TargetPath: path,
	}
}

func testOperations() operations {
	return newOperations(logging.NewLogger("environment-test"))
}

func TestOperations_DeployArtifacts(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		content := []byte("#!/bin/sh\necho ok\n")
		a := testArtifact("a1", "/opt/tests/run.sh", content)
		a.Permissions = "0755"
		handle.responses[fmt.Sprintf("sha256sum %q", a.TargetPath)] = a.Checksum + "  /opt/tests/run.sh"

		require.NoError(t, ops.DeployArtifacts(context.Background(), handle, []*interfaces.TestArtifact{a}))

		require.Len(t, handle.uploads, 1)
		assert.Equal(t, "/opt/tests/run.sh", handle.uploads[0].path)
		assert.Equal(t, os.FileMode(0o755), handle.uploads[0].mode)
		assert.Equal(t, len(content), handle.uploads[0].size)
		assert.Empty(t, handle.removed)
	})

	t.Run("LocalChecksumMismatchSkipsTransfer", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		a := testArtifact("a1", "/opt/tests/run.sh", []byte("content"))
		a.Checksum = interfaces.ComputeChecksum([]byte("other"))

		err := ops.DeployArtifacts(context.Background(), handle, []*interfaces.TestArtifact{a})
		require.Error(t, err)

		var intErr *interfaces.IntegrityError
		require.ErrorAs(t, err, &intErr)
		assert.Empty(t, handle.uploads)
	})

	t.Run("RemoteMismatchRemovesPartialFile", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		a := testArtifact("a1", "/opt/tests/run.sh", []byte("content"))
		handle.responses[fmt.Sprintf("sha256sum %q", a.TargetPath)] = "deadbeef  /opt/tests/run.sh"

		err := ops.DeployArtifacts(context.Background(), handle, []*interfaces.TestArtifact{a})
		require.Error(t, err)

		var intErr *interfaces.IntegrityError
		require.ErrorAs(t, err, &intErr)
		assert.Equal(t, "a1", intErr.ArtifactID)
		assert.Equal(t, []string{"/opt/tests/run.sh"}, handle.removed)
	})

	t.Run("UploadFailure", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		handle.uploadErr = errors.New("pipe broken")

		a := testArtifact("a1", "/opt/tests/run.sh", []byte("content"))

		err := ops.DeployArtifacts(context.Background(), handle, []*interfaces.TestArtifact{a})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to transfer artifact a1")
	})

	t.Run("StopsAtFirstFailure", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		a1 := testArtifact("a1", "/opt/a1", []byte("first"))
		a2 := testArtifact("a2", "/opt/a2", []byte("second"))
		handle.responses[fmt.Sprintf("sha256sum %q", a1.TargetPath)] = "deadbeef  /opt/a1"

		err := ops.DeployArtifacts(context.Background(), handle, []*interfaces.TestArtifact{a1, a2})
		require.Error(t, err)
		require.Len(t, handle.uploads, 1)
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		a := testArtifact("a1", "/opt/a1", []byte("content"))
		err := ops.DeployArtifacts(ctx, handle, []*interfaces.TestArtifact{a})
		require.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, handle.uploads)
	})
}

func TestOperations_InstallDependencies(t *testing.T) {
	t.Parallel()

	t.Run("InstallsAptAndPip", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		deps := []interfaces.Dependency{
			{Name: "trace-cmd", Manager: "apt", Version: "3.2-1"},
			{Name: "pytest", Manager: "pip", Version: "8.0.0"},
		}
		require.NoError(t, ops.InstallDependencies(context.Background(), handle, deps))

		joined := ""
		for _, c := range handle.commands {
			joined += c + "\n"
		}
		assert.Contains(t, joined, `apt-get install -y "trace-cmd=3.2-1"`)
		assert.Contains(t, joined, `pip3 install "pytest==8.0.0"`)
	})

	t.Run("SkipsPresentDependency", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		handle.responses[`dpkg -s "gdb" >/dev/null 2>&1 && echo present`] = "present"

		require.NoError(t, ops.InstallDependencies(context.Background(), handle,
			[]interfaces.Dependency{{Name: "gdb", Manager: "apt"}}))

		for _, c := range handle.commands {
			assert.NotContains(t, c, "apt-get install")
		}
	})

	t.Run("OptionalFailureContinues", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		handle.failOn[`DEBIAN_FRONTEND=noninteractive apt-get install -y "bpftrace"`] = errors.New("no candidate")
		handle.responses[`dpkg -s "gdb" >/dev/null 2>&1 && echo present`] = "present"

		deps := []interfaces.Dependency{
			{Name: "bpftrace", Manager: "apt", Optional: true},
			{Name: "gdb", Manager: "apt"},
		}
		require.NoError(t, ops.InstallDependencies(context.Background(), handle, deps))
	})

	t.Run("RequiredFailureIsDependencyInstallError", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		handle.failOn[`DEBIAN_FRONTEND=noninteractive apt-get install -y "gdb"`] = errors.New("mirror down")

		err := ops.InstallDependencies(context.Background(), handle,
			[]interfaces.Dependency{{Name: "gdb", Manager: "apt"}})
		require.Error(t, err)

		var depErr *interfaces.DependencyInstallError
		require.ErrorAs(t, err, &depErr)
		assert.Equal(t, "gdb", depErr.Name)
	})

	t.Run("ConnectionLossPassesThrough", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		connErr := &interfaces.ConnectionError{Endpoint: "10.0.0.5:22", Err: errors.New("reset")}
		handle.failOn[`DEBIAN_FRONTEND=noninteractive apt-get install -y "gdb"`] = connErr

		err := ops.InstallDependencies(context.Background(), handle,
			[]interfaces.Dependency{{Name: "gdb", Manager: "apt"}})
		require.Error(t, err)

		var got *interfaces.ConnectionError
		require.ErrorAs(t, err, &got)
		assert.True(t, interfaces.IsRetryable(err))
	})

	t.Run("UnknownManager", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		err := ops.InstallDependencies(context.Background(), handle,
			[]interfaces.Dependency{{Name: "cargo-fuzz", Manager: "cargo"}})
		require.Error(t, err)

		var depErr *interfaces.DependencyInstallError
		require.ErrorAs(t, err, &depErr)
		assert.Contains(t, depErr.Err.Error(), "unknown package manager")
	})

	t.Run("EmptyManagerDefaultsToApt", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()

		require.NoError(t, ops.InstallDependencies(context.Background(), handle,
			[]interfaces.Dependency{{Name: "gdb"}}))

		joined := ""
		for _, c := range handle.commands {
			joined += c + "\n"
		}
		assert.Contains(t, joined, `apt-get install -y "gdb"`)
	})
}

func scriptHealthyEnvironment(handle *fakeHandle) {
	handle.responses["echo session-alive"] = "session-alive"
	handle.responses["df -m / | awk 'NR==2 {print $4}'"] = "10000"
	handle.responses["awk '/MemAvailable/ {print int($2/1024)}' /proc/meminfo"] = "4096"
	handle.responses["uname -r"] = "6.8.0-rc3"
}

func TestOperations_ValidateReadiness(t *testing.T) {
	t.Parallel()

	t.Run("AllChecksPass", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)

		result, err := ops.ValidateReadiness(context.Background(), handle, nil)
		require.NoError(t, err)
		assert.True(t, result.Passed)
		assert.Empty(t, result.FailedChecks())
	})

	t.Run("LowDiskFails", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)
		handle.responses["df -m / | awk 'NR==2 {print $4}'"] = "100"

		result, err := ops.ValidateReadiness(context.Background(), handle, nil)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Equal(t, []string{"disk_space"}, result.FailedChecks())
	})

	t.Run("LowMemoryFails", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)
		handle.responses["awk '/MemAvailable/ {print int($2/1024)}' /proc/meminfo"] = "64"

		result, err := ops.ValidateReadiness(context.Background(), handle, nil)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Equal(t, []string{"memory"}, result.FailedChecks())
	})

	t.Run("DeadSessionFailsNetwork", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)
		handle.failOn["echo session-alive"] = errors.New("session lost")

		result, err := ops.ValidateReadiness(context.Background(), handle, nil)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Contains(t, result.FailedChecks(), "network")
	})

	t.Run("AllChecksRunAfterFailure", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)
		handle.responses["df -m / | awk 'NR==2 {print $4}'"] = "garbage"
		handle.responses["awk '/MemAvailable/ {print int($2/1024)}' /proc/meminfo"] = "64"

		result, err := ops.ValidateReadiness(context.Background(), handle, nil)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.ElementsMatch(t, []string{"disk_space", "memory"}, result.FailedChecks())
		// Kernel check still recorded
		assert.Len(t, result.Checks, 4)
	})

	t.Run("MandatoryToolFailureFailsReadiness", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)

		cfg := &interfaces.InstrumentationConfig{
			MonitoringTools: []string{"trace-cmd"},
			MandatoryTools:  []string{"trace-cmd"},
		}
		// Probe returns empty, tool missing

		result, err := ops.ValidateReadiness(context.Background(), handle, cfg)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Contains(t, result.FailedChecks(), "trace-cmd")
	})

	t.Run("OptionalToolFailureReportedButPasses", func(t *testing.T) {
		t.Parallel()
		ops := testOperations()
		handle := newFakeHandle()
		scriptHealthyEnvironment(handle)

		cfg := &interfaces.InstrumentationConfig{MonitoringTools: []string{"bpftrace"}}

		result, err := ops.ValidateReadiness(context.Background(), handle, cfg)
		require.NoError(t, err)
		assert.True(t, result.Passed)

		// The failed probe is still visible in the check list
		found := false
		for _, c := range result.Checks {
			if c.Name == "bpftrace" && !c.Passed {
				found = true
			}
		}
		assert.True(t, found)
	})
}
