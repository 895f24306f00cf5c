package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testrig/testrig/internal/interfaces"
)

func TestCollector_Lifecycle(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	c.RecordDeploymentQueued("dep-1")
	c.RecordDeploymentStarted("dep-1")
	c.RecordDeploymentCompleted("dep-1")

	c.RecordDeploymentQueued("dep-2")
	c.RecordDeploymentStarted("dep-2")
	c.RecordDeploymentFailed("dep-2", interfaces.ErrorClassConnection)

	c.RecordDeploymentQueued("dep-3")
	c.RecordDeploymentCanceled("dep-3")

	m := c.GetSystemMetrics()
	assert.Equal(t, int64(2), m.DeploymentsProcessed)
	assert.Equal(t, int64(1), m.DeploymentsSucceeded)
	assert.Equal(t, int64(1), m.DeploymentsFailed)
	assert.Equal(t, int64(1), m.DeploymentsCanceled)
	assert.InDelta(t, 0.5, m.SuccessRate, 0.001)
	assert.Equal(t, int64(1), m.FailureCountsByClass[interfaces.ErrorClassConnection])
	assert.Greater(t, m.SystemUptime, time.Duration(0))
}

func TestCollector_FailureClassDefaultsToUnknown(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordDeploymentFailed("dep-1", "")

	m := c.GetSystemMetrics()
	assert.Equal(t, int64(1), m.FailureCountsByClass[interfaces.ErrorClassUnknown])
}

func TestCollector_QueueMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	c.RecordDeploymentQueued("dep-1")
	c.RecordDeploymentQueued("dep-2")
	c.UpdateQueueDepth(2)

	qm := c.GetQueueMetrics()
	assert.Equal(t, int64(2), qm.TotalEnqueued)
	assert.Equal(t, int64(0), qm.TotalDequeued)
	assert.Equal(t, 2, qm.CurrentDepth)
	assert.False(t, qm.OldestDeployment.IsZero())

	c.RecordDeploymentStarted("dep-1")
	c.RecordDeploymentStarted("dep-2")
	c.UpdateQueueDepth(0)

	qm = c.GetQueueMetrics()
	assert.Equal(t, int64(2), qm.TotalDequeued)
	assert.Equal(t, 0, qm.CurrentDepth)
	assert.True(t, qm.OldestDeployment.IsZero(), "dequeued deployments leave the wait set")
}

func TestCollector_RescheduleRequeues(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	c.RecordDeploymentQueued("dep-1")
	c.RecordDeploymentStarted("dep-1")
	c.RecordReschedule("dep-1")

	// A rescheduled deployment counts as waiting again
	qm := c.GetQueueMetrics()
	assert.False(t, qm.OldestDeployment.IsZero())
}

func TestCollector_WorkersAndDepth(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.UpdateActiveWorkers(8)
	c.UpdateQueueDepth(3)

	m := c.GetSystemMetrics()
	assert.Equal(t, 8, m.ActiveWorkers)
	assert.Equal(t, 3, m.CurrentQueueDepth)
}

func TestCollector_Reset(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordDeploymentQueued("dep-1")
	c.RecordDeploymentStarted("dep-1")
	c.RecordDeploymentFailed("dep-1", interfaces.ErrorClassAuth)
	c.UpdateQueueDepth(5)

	c.Reset()

	m := c.GetSystemMetrics()
	assert.Zero(t, m.DeploymentsProcessed)
	assert.Zero(t, m.DeploymentsFailed)
	assert.Empty(t, m.FailureCountsByClass)
	assert.Zero(t, m.CurrentQueueDepth)

	qm := c.GetQueueMetrics()
	assert.Zero(t, qm.TotalEnqueued)
	assert.True(t, qm.OldestDeployment.IsZero())
}
