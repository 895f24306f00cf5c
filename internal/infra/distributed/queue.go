// Package distributed provides Redis-backed infrastructure components so
// several orchestrator processes can share one deployment queue.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// TaskTypeDeployment is the task type for deployments
const TaskTypeDeployment = "deployment:process"

// Asynq queue names per environment pool. Virtual deployments outnumber
// physical ones; the weights keep board deployments from starving.
const (
	QueueVirtual  = "virtual"
	QueuePhysical = "physical"
)

// Queue implements interfaces.DeploymentQueue using Asynq (Redis-backed).
// Dequeue is not used: the asynq server delivers tasks straight to the worker
// pool's handler.
type Queue struct {
	client   *asynq.Client
	redisOpt asynq.RedisConnOpt
	logger   *logging.Logger
}

// NewQueue creates a new distributed deployment queue
func NewQueue(redisURL string) (*Queue, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return &Queue{
		client:   asynq.NewClient(redisOpt),
		redisOpt: redisOpt,
		logger:   logging.NewLogger("distributed-queue"),
	}, nil
}

// Enqueue adds a deployment to its pool's queue. Plan priority maps to task
// priority within the pool queue via asynq's deadline ordering.
func (q *Queue) Enqueue(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment is nil")
	}
	if deployment.ID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	payload, err := json.Marshal(deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	task := asynq.NewTask(TaskTypeDeployment, payload,
		asynq.TaskID(deployment.ID),
		asynq.Queue(queueFor(deployment.Pool)),
		// Stage retries are owned by the pipeline retry controller; a task
		// failure at this level is final
		asynq.MaxRetry(0),
		asynq.Retention(7*24*time.Hour),
	)

	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue deployment: %w", err)
	}

	q.logger.Info("enqueued deployment %s task=%s queue=%s", deployment.ID, info.ID, info.Queue)
	return nil
}

// EnqueueAfter requeues a deployment after a delay, used for reschedules
func (q *Queue) EnqueueAfter(ctx context.Context, deployment *interfaces.QueuedDeployment, delay time.Duration) error {
	payload, err := json.Marshal(deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	// The original task ID is spent; reschedules get a generation suffix
	task := asynq.NewTask(TaskTypeDeployment, payload,
		asynq.TaskID(fmt.Sprintf("%s:r%d", deployment.ID, deployment.Reschedules)),
		asynq.Queue(queueFor(deployment.Pool)),
		asynq.MaxRetry(0),
		asynq.ProcessIn(delay),
	)

	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to requeue deployment: %w", err)
	}
	return nil
}

// Dequeue is not supported: the asynq server pushes tasks to handlers
func (q *Queue) Dequeue(_ context.Context) (*interfaces.QueuedDeployment, error) {
	return nil, fmt.Errorf("distributed queue delivers tasks through the worker pool handler")
}

// Cancel removes a still-queued deployment task
func (q *Queue) Cancel(_ context.Context, deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	inspector := asynq.NewInspector(q.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			q.logger.Warnf("failed to close inspector during cancel: %v", err)
		}
	}()

	for _, queue := range []string{QueueVirtual, QueuePhysical} {
		if err := inspector.DeleteTask(queue, deploymentID); err == nil {
			return nil
		}
	}

	// A task already running is canceled cooperatively through the tracker
	return fmt.Errorf("deployment %s not found in any queue or already processing", deploymentID)
}

// Close closes the queue client
func (q *Queue) Close() {
	if err := q.client.Close(); err != nil {
		q.logger.Errorf("failed to close asynq client: %v", err)
	}
}

// RedisOpt returns the underlying Redis connection options, for components
// that share the connection
func (q *Queue) RedisOpt() asynq.RedisConnOpt {
	return q.redisOpt
}

// Size returns the number of pending deployments across pool queues
func (q *Queue) Size() int {
	m := q.GetMetrics()
	return m.CurrentDepth
}

// Capacity is unbounded for the Redis-backed queue
func (q *Queue) Capacity() int {
	return -1
}

// GetMetrics aggregates queue metrics across pool queues
func (q *Queue) GetMetrics() interfaces.QueueMetrics {
	inspector := asynq.NewInspector(q.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			q.logger.Errorf("failed to close inspector: %v", err)
		}
	}()

	var agg interfaces.QueueMetrics
	for _, queue := range []string{QueueVirtual, QueuePhysical} {
		info, err := inspector.GetQueueInfo(queue)
		if err != nil {
			continue
		}
		agg.TotalEnqueued += int64(info.Processed + info.Size + info.Active)
		agg.TotalDequeued += int64(info.Processed)
		agg.CurrentDepth += info.Size
		if latency := info.Latency; latency > agg.AverageWaitTime {
			agg.AverageWaitTime = latency
		}

		if info.Size > 0 {
			tasks, err := inspector.ListPendingTasks(queue, asynq.PageSize(1))
			if err == nil && len(tasks) > 0 {
				oldest := tasks[0].NextProcessAt
				if agg.OldestDeployment.IsZero() || oldest.Before(agg.OldestDeployment) {
					agg.OldestDeployment = oldest
				}
			}
		}
	}
	return agg
}

func queueFor(pool interfaces.PoolKind) string {
	if pool == interfaces.PoolPhysical {
		return QueuePhysical
	}
	return QueueVirtual
}

var _ interfaces.DeploymentQueue = (*Queue)(nil)
