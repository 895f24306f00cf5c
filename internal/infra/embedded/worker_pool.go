package embedded

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// DeploymentExecutor is the function that executes deployments. It owns all
// status transitions; the worker pool only supplies concurrency and panic
// containment.
type DeploymentExecutor func(ctx context.Context, deployment *interfaces.QueuedDeployment) error

// WorkerPool implements interfaces.WorkerPool using gammazero/workerpool
type WorkerPool struct {
	pool     *workerpool.WorkerPool
	queue    interfaces.DeploymentQueue
	tracker  interfaces.DeploymentTracker
	executor DeploymentExecutor
	logger   *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// WorkerPoolConfig configures the worker pool
type WorkerPoolConfig struct {
	Workers  int
	Queue    interfaces.DeploymentQueue
	Tracker  interfaces.DeploymentTracker
	Executor DeploymentExecutor
}

// NewWorkerPool creates a new embedded worker pool
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		pool:     workerpool.New(config.Workers),
		queue:    config.Queue,
		tracker:  config.Tracker,
		executor: config.Executor,
		logger:   logging.NewLogger("embedded-worker"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins processing deployments from the queue
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.processLoop()
}

// Stop gracefully stops the worker pool. In-flight deployments run to
// completion unless the context expires first.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.pool.StopWait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// processLoop continuously dequeues and dispatches deployments
func (p *WorkerPool) processLoop() {
	defer p.wg.Done()

	for {
		deployment, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			// Context canceled or queue closed
			if p.ctx.Err() != nil {
				return
			}
			continue
		}

		p.pool.Submit(func() {
			p.processDeployment(deployment)
		})
	}
}

// processDeployment runs one deployment under panic containment. A panic in
// stage code fails that deployment, never the pool.
func (p *WorkerPool) processDeployment(deployment *interfaces.QueuedDeployment) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing deployment %s: %v", deployment.ID, r)

			panicErr := fmt.Errorf("panic during execution: %v", r)
			if err := p.tracker.SetError(deployment.ID, panicErr); err != nil {
				p.logger.Error("failed to set error after panic: %v", err)
			}
			if err := p.tracker.SetStatus(deployment.ID, interfaces.DeploymentStatusFailed); err != nil {
				p.logger.Error("failed to update status after panic: %v", err)
			}
		}
	}()

	if err := p.executor(p.ctx, deployment); err != nil {
		// The executor has already recorded the failure or reschedule; this is
		// for the operator following the worker log
		p.logger.Debug("deployment %s finished with error: %v", deployment.ID, err)
	}
}

// GetWorkerCount returns the configured number of workers
func (p *WorkerPool) GetWorkerCount() int {
	return p.pool.Size()
}

// GetQueuedCount returns the number of deployments waiting inside the pool
func (p *WorkerPool) GetQueuedCount() int {
	return p.pool.WaitingQueueSize()
}

var _ interfaces.WorkerPool = (*WorkerPool)(nil)
