package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/testrig/testrig/internal/executor"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/metrics"
	"github.com/testrig/testrig/pkg/logging"
)

// Backend bundles the Redis queue and asynq worker pool into the orchestration
// service's backend contract. Reschedule handling for offline environments
// happens here: a delayed requeue via asynq's scheduled delivery.
type Backend struct {
	queue   *Queue
	workers *WorkerPool
	tracker interfaces.DeploymentTracker
	metrics *metrics.Collector
	logger  *logging.Logger

	maxReschedules  int
	rescheduleDelay time.Duration
}

// BackendConfig configures the distributed backend
type BackendConfig struct {
	RedisURL        string
	Tracker         interfaces.DeploymentTracker
	Execute         DeploymentExecutor
	Metrics         *metrics.Collector
	Concurrency     int
	MaxReschedules  int
	RescheduleDelay time.Duration
}

// NewBackend creates the distributed deployment backend
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Execute == nil {
		return nil, fmt.Errorf("execute function is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	if cfg.MaxReschedules <= 0 {
		cfg.MaxReschedules = 3
	}
	if cfg.RescheduleDelay <= 0 {
		cfg.RescheduleDelay = 5 * time.Second
	}

	queue, err := NewQueue(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		queue:           queue,
		tracker:         cfg.Tracker,
		metrics:         cfg.Metrics,
		logger:          logging.NewLogger("distributed-backend"),
		maxReschedules:  cfg.MaxReschedules,
		rescheduleDelay: cfg.RescheduleDelay,
	}

	workers, err := NewWorkerPool(WorkerPoolConfig{
		RedisURL:    cfg.RedisURL,
		Tracker:     cfg.Tracker,
		Executor:    b.wrapExecutor(cfg.Execute),
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		queue.Close()
		return nil, err
	}
	b.workers = workers
	return b, nil
}

// Start begins consuming from the shared queues
func (b *Backend) Start() {
	b.workers.Start()
}

// Stop drains the worker pool and closes the queue
func (b *Backend) Stop(ctx context.Context) error {
	err := b.workers.Stop(ctx)
	b.queue.Close()
	return err
}

// Enqueue admits a deployment to its pool queue
func (b *Backend) Enqueue(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	if err := b.queue.Enqueue(ctx, deployment); err != nil {
		return err
	}
	b.metrics.RecordDeploymentQueued(deployment.ID)
	return nil
}

// Cancel removes a still-queued deployment task
func (b *Backend) Cancel(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	return b.queue.Cancel(ctx, deployment.ID)
}

// QueueMetrics returns aggregate queue metrics
func (b *Backend) QueueMetrics() interfaces.QueueMetrics {
	return b.queue.GetMetrics()
}

// wrapExecutor adds reschedule handling around the pipeline executor
func (b *Backend) wrapExecutor(execute DeploymentExecutor) DeploymentExecutor {
	return func(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
		execErr := execute(ctx, deployment)
		if execErr == nil || !errors.Is(execErr, executor.ErrReschedule) {
			return execErr
		}

		deployment.Reschedules++
		if deployment.Reschedules > b.maxReschedules {
			b.logger.Warnf("deployment %s exhausted %d reschedules", deployment.ID, b.maxReschedules)
			b.failExhausted(deployment, execErr)
			return nil
		}

		delay := b.rescheduleDelay * time.Duration(deployment.Reschedules)
		b.logger.Info("rescheduling deployment %s attempt=%d delay=%s",
			deployment.ID, deployment.Reschedules, delay)

		if err := b.tracker.SetStatus(deployment.ID, interfaces.DeploymentStatusPending); err != nil {
			b.logger.Errorf("failed to reset status for %s: %v", deployment.ID, err)
		}
		deployment.Status = interfaces.DeploymentStatusPending

		if err := b.queue.EnqueueAfter(ctx, deployment, delay); err != nil {
			b.failExhausted(deployment, err)
		}
		return nil
	}
}

func (b *Backend) failExhausted(deployment *interfaces.QueuedDeployment, cause error) {
	_ = b.tracker.SetStatus(deployment.ID, interfaces.DeploymentStatusFailed)
	_ = b.tracker.SetError(deployment.ID, cause)

	result := &interfaces.DeploymentResult{
		DeploymentID: deployment.ID,
		Status:       interfaces.DeploymentStatusFailed,
		Error: &interfaces.FailureDetail{
			Stage:      interfaces.StageConnect,
			ErrorClass: interfaces.ClassifyError(cause),
			Message:    logging.Sanitize(cause.Error()),
			Attempts:   deployment.RetryCount + 1,
		},
		CompletedAt: time.Now(),
	}
	_ = b.tracker.SetResult(deployment.ID, result)
	b.metrics.RecordDeploymentFailed(deployment.ID, interfaces.ClassifyError(cause))
}
