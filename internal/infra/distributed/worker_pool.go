package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// DeploymentExecutor is the function that executes deployments
type DeploymentExecutor func(ctx context.Context, deployment *interfaces.QueuedDeployment) error

// WorkerPool implements interfaces.WorkerPool using an Asynq server. Each
// process consumes from the shared Redis queues; the pool-weighted queue
// config keeps board deployments flowing alongside the larger VM load.
type WorkerPool struct {
	server      *asynq.Server
	mux         *asynq.ServeMux
	tracker     interfaces.DeploymentTracker
	executor    DeploymentExecutor
	redisOpt    asynq.RedisConnOpt
	logger      *logging.Logger
	concurrency int
}

// WorkerPoolConfig configures the distributed worker pool
type WorkerPoolConfig struct {
	RedisURL    string
	Tracker     interfaces.DeploymentTracker
	Executor    DeploymentExecutor
	Concurrency int
	QueueConfig map[string]int // Queue weights
}

// NewWorkerPool creates a new distributed worker pool
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if config.Concurrency <= 0 {
		config.Concurrency = 10
	}
	if config.QueueConfig == nil {
		config.QueueConfig = map[string]int{
			QueueVirtual:  3,
			QueuePhysical: 2,
		}
	}

	logger := logging.NewLogger("distributed-worker")
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: config.Concurrency,
			Queues:      config.QueueConfig,
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Error("error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	pool := &WorkerPool{
		server:      server,
		mux:         mux,
		tracker:     config.Tracker,
		executor:    config.Executor,
		redisOpt:    redisOpt,
		concurrency: config.Concurrency,
		logger:      logger,
	}
	mux.HandleFunc(TaskTypeDeployment, pool.handleDeploymentTask)

	return pool, nil
}

// Start begins processing deployments from the shared queues
func (p *WorkerPool) Start() {
	go func() {
		if err := p.server.Start(p.mux); err != nil {
			p.logger.Error("failed to start asynq server: %v", err)
		}
	}()
}

// Stop gracefully stops the worker pool
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.server.Shutdown()

	done := make(chan struct{})
	go func() {
		// Asynq blocks until all workers finish
		p.server.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// handleDeploymentTask processes one deployment task
func (p *WorkerPool) handleDeploymentTask(ctx context.Context, task *asynq.Task) error {
	var deployment interfaces.QueuedDeployment
	if err := json.Unmarshal(task.Payload(), &deployment); err != nil {
		// A malformed payload never succeeds on retry
		return fmt.Errorf("failed to unmarshal deployment: %v: %w", err, asynq.SkipRetry)
	}

	// Skip deployments canceled while queued
	if status, err := p.tracker.GetStatus(deployment.ID); err == nil && status.Terminal() {
		return nil
	}

	if err := p.executor(ctx, &deployment); err != nil {
		// The executor records failures itself; surface the error for asynq's
		// archive so operators can inspect it
		return err
	}
	return nil
}

// GetWorkerCount returns the configured concurrency
func (p *WorkerPool) GetWorkerCount() int {
	return p.concurrency
}

// GetQueuedCount returns the number of pending deployments across queues
func (p *WorkerPool) GetQueuedCount() int {
	inspector := asynq.NewInspector(p.redisOpt)
	defer func() { _ = inspector.Close() }()

	total := 0
	for _, queue := range []string{QueueVirtual, QueuePhysical} {
		if info, err := inspector.GetQueueInfo(queue); err == nil {
			total += info.Size
		}
	}
	return total
}

var _ interfaces.WorkerPool = (*WorkerPool)(nil)
