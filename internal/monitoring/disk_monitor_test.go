package monitoring

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/config"
)

func newTestMonitor(staging string) (*DiskMonitor, *MockDiskUsageChecker) {
	m := NewDiskMonitor(&config.Config{ArtifactStagingDir: staging})
	mock := NewMockDiskUsageChecker()
	m.SetDiskChecker(mock)
	return m, mock
}

func TestDiskMonitor_CheckNow(t *testing.T) {
	t.Parallel()

	t.Run("NoAlertsBelowThresholds", func(t *testing.T) {
		t.Parallel()
		m, mock := newTestMonitor("/var/lib/testrig/staging")
		mock.SetDiskUsage(os.TempDir(), 40.0, 60*1024*1024*1024, 100*1024*1024*1024)
		mock.SetDiskUsage("/var/lib/testrig/staging", 40.0, 60*1024*1024*1024, 100*1024*1024*1024)

		alerts := m.CheckNow()
		assert.Empty(t, alerts)
		assert.False(t, m.GetLastCheck().IsZero())
	})

	t.Run("WarningThreshold", func(t *testing.T) {
		t.Parallel()
		m, mock := newTestMonitor("/var/lib/testrig/staging")
		mock.SetDiskUsage("/var/lib/testrig/staging", 85.0, 15*1024*1024*1024, 100*1024*1024*1024)

		alerts := m.CheckNow()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertLevelWarning, alerts[0].Level)
		assert.Equal(t, "/var/lib/testrig/staging", alerts[0].Path)
		assert.Contains(t, alerts[0].Message, "85.0% full")
	})

	t.Run("CriticalThreshold", func(t *testing.T) {
		t.Parallel()
		m, mock := newTestMonitor("/var/lib/testrig/staging")
		mock.SetDiskUsage("/var/lib/testrig/staging", 95.0, 5*1024*1024*1024, 100*1024*1024*1024)

		alerts := m.CheckNow()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertLevelCritical, alerts[0].Level)
	})

	t.Run("AlertsClearWhenPressureDrops", func(t *testing.T) {
		t.Parallel()
		m, mock := newTestMonitor("/var/lib/testrig/staging")
		mock.SetDiskUsage("/var/lib/testrig/staging", 95.0, 5*1024*1024*1024, 100*1024*1024*1024)
		require.NotEmpty(t, m.CheckNow())

		mock.SetDiskUsage("/var/lib/testrig/staging", 40.0, 60*1024*1024*1024, 100*1024*1024*1024)
		assert.Empty(t, m.CheckNow())
	})

	t.Run("CustomThresholds", func(t *testing.T) {
		t.Parallel()
		m, mock := newTestMonitor("/var/lib/testrig/staging")
		m.SetThresholds(30.0, 60.0)
		mock.SetDiskUsage("/var/lib/testrig/staging", 50.0, 50*1024*1024*1024, 100*1024*1024*1024)

		alerts := m.CheckNow()
		require.NotEmpty(t, alerts)
		assert.Equal(t, AlertLevelWarning, alerts[0].Level)
	})
}

func TestDiskMonitor_Start(t *testing.T) {
	t.Parallel()

	m, mock := newTestMonitor("/var/lib/testrig/staging")
	m.SetCheckInterval(10 * time.Millisecond)
	mock.SetDiskUsage("/var/lib/testrig/staging", 95.0, 5*1024*1024*1024, 100*1024*1024*1024)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(m.GetAlerts()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KB", formatBytes(1024))
	assert.Equal(t, "5.0 GB", formatBytes(5*1024*1024*1024))
}

func TestMockDiskUsageChecker_Default(t *testing.T) {
	t.Parallel()

	mock := NewMockDiskUsageChecker()
	usage := mock.GetDiskUsage("/unmocked/path")
	require.NotNil(t, usage)
	assert.InDelta(t, 50.0, usage.PercentUsed, 0.001)
}
