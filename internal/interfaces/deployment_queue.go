package interfaces

import (
	"context"
	"time"
)

// QueuedDeployment represents a deployment owned by the orchestrator for the
// lifetime of its plan
type QueuedDeployment struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id,omitempty"`
	Plan        *DeploymentPlan  `json:"plan"`
	Status      DeploymentStatus `json:"status"`
	Pool        PoolKind         `json:"pool"`
	Priority    int              `json:"priority"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	LastError   error            `json:"-"`
	RetryCount  int              `json:"retry_count"`
	Reschedules int              `json:"reschedules"`
}

// DeploymentQueue admits deployments for dispatch. Implementations order by
// (priority descending, enqueue time ascending); ties break FIFO.
type DeploymentQueue interface {
	Enqueue(ctx context.Context, deployment *QueuedDeployment) error
	Dequeue(ctx context.Context) (*QueuedDeployment, error)
	Cancel(ctx context.Context, deploymentID string) error
	Size() int
	Capacity() int
	GetMetrics() QueueMetrics
	Close()
}

// DeploymentTracker owns per-deployment state visible to collaborators
type DeploymentTracker interface {
	Register(deployment *QueuedDeployment) error
	GetByID(deploymentID string) (*QueuedDeployment, error)
	GetStatus(deploymentID string) (*DeploymentStatus, error)
	SetStatus(deploymentID string, status DeploymentStatus) error
	SetError(deploymentID string, err error) error
	SetResult(deploymentID string, result *DeploymentResult) error
	GetResult(deploymentID string) (*DeploymentResult, error)
	List(filter DeploymentFilter) ([]*QueuedDeployment, error)
	Remove(deploymentID string) error
	AppendLog(deploymentID string, line string) error
	GetLogs(deploymentID string) ([]string, error)
}

// WorkerPool drives queued deployments through an executor function
type WorkerPool interface {
	Start()
	Stop(ctx context.Context) error
	GetWorkerCount() int
	GetQueuedCount() int
}

// DeploymentFilter provides filtering options for querying deployments
type DeploymentFilter struct {
	Status        []DeploymentStatus
	Pool          PoolKind
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// QueueMetrics provides metrics about a deployment queue
type QueueMetrics struct {
	TotalEnqueued    int64
	TotalDequeued    int64
	CurrentDepth     int
	AverageWaitTime  time.Duration
	OldestDeployment time.Time
}

// SystemMetrics is the aggregate exposed to the metrics collaborator
type SystemMetrics struct {
	DeploymentsProcessed int64            `json:"deployments_processed"`
	DeploymentsSucceeded int64            `json:"deployments_succeeded"`
	DeploymentsFailed    int64            `json:"deployments_failed"`
	DeploymentsCanceled  int64            `json:"deployments_canceled"`
	SuccessRate          float64          `json:"success_rate"`
	MeanDuration         time.Duration    `json:"mean_duration"`
	FailureCountsByClass map[string]int64 `json:"failure_counts_by_class"`
	CurrentQueueDepth    int              `json:"current_queue_depth"`
	ActiveWorkers        int              `json:"active_workers"`
	SystemUptime         time.Duration    `json:"system_uptime"`
}
