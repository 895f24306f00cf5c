package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/testrig/testrig/internal/executor"
	"github.com/testrig/testrig/internal/infra/embedded"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/metrics"
	"github.com/testrig/testrig/pkg/logging"
)

// Default scheduling policy
const (
	DefaultMaxReschedules  = 3
	DefaultRescheduleDelay = 5 * time.Second
)

// poolLane is the per-pool machinery: a priority queue and a worker pool
// bounded to the pool's capacity
type poolLane struct {
	queue   interfaces.DeploymentQueue
	workers interfaces.WorkerPool
	gate    *ResourcePool
}

// Options configures a Scheduler
type Options struct {
	Tracker interfaces.DeploymentTracker
	Execute embedded.DeploymentExecutor
	Metrics *metrics.Collector

	QueueCapacity        int
	VirtualPoolCapacity  int
	PhysicalPoolCapacity int
	MaxReschedules       int
	RescheduleDelay      time.Duration
}

// Scheduler routes deployments to per-pool priority queues and drives them
// through worker pools. Every admitted deployment eventually reaches a
// terminal state: it runs, fails, is canceled, or exhausts its reschedules.
type Scheduler struct {
	lanes   map[interfaces.PoolKind]*poolLane
	tracker interfaces.DeploymentTracker
	execute embedded.DeploymentExecutor
	metrics *metrics.Collector
	logger  *logging.Logger

	maxReschedules  int
	rescheduleDelay time.Duration

	mu      sync.Mutex
	started bool
	timers  sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler with one lane per environment pool
func New(opts Options) (*Scheduler, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if opts.Execute == nil {
		return nil, fmt.Errorf("execute function is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.VirtualPoolCapacity <= 0 {
		opts.VirtualPoolCapacity = 8
	}
	if opts.PhysicalPoolCapacity <= 0 {
		opts.PhysicalPoolCapacity = 4
	}
	if opts.MaxReschedules <= 0 {
		opts.MaxReschedules = DefaultMaxReschedules
	}
	if opts.RescheduleDelay <= 0 {
		opts.RescheduleDelay = DefaultRescheduleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		lanes:           make(map[interfaces.PoolKind]*poolLane, 2),
		tracker:         opts.Tracker,
		execute:         opts.Execute,
		metrics:         opts.Metrics,
		logger:          logging.Scheduler,
		maxReschedules:  opts.MaxReschedules,
		rescheduleDelay: opts.RescheduleDelay,
		ctx:             ctx,
		cancel:          cancel,
	}

	capacities := map[interfaces.PoolKind]int{
		interfaces.PoolVirtual:  opts.VirtualPoolCapacity,
		interfaces.PoolPhysical: opts.PhysicalPoolCapacity,
	}
	for pool, workers := range capacities {
		queue := embedded.NewQueue(opts.QueueCapacity)
		gate := NewResourcePool(pool)

		wp, err := embedded.NewWorkerPool(embedded.WorkerPoolConfig{
			Workers:  workers,
			Queue:    queue,
			Tracker:  opts.Tracker,
			Executor: s.processFor(gate, queue),
		})
		if err != nil {
			cancel()
			return nil, err
		}
		s.lanes[pool] = &poolLane{queue: queue, workers: wp, gate: gate}
	}
	return s, nil
}

// Start begins dispatching on all lanes
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for pool, lane := range s.lanes {
		lane.workers.Start()
		s.logger.Info("lane %s started workers=%d", pool, lane.workers.GetWorkerCount())
	}
}

// Stop drains the scheduler: queues close, pending reschedule timers are
// awaited, in-flight deployments finish within the context deadline
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.cancel()
	s.timers.Wait()

	var firstErr error
	for pool, lane := range s.lanes {
		lane.queue.Close()
		if err := lane.workers.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop %s lane: %w", pool, err)
		}
	}
	return firstErr
}

// Enqueue admits a deployment to its pool's queue
func (s *Scheduler) Enqueue(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	lane, ok := s.lanes[deployment.Pool]
	if !ok {
		return fmt.Errorf("no lane for pool %q", deployment.Pool)
	}

	if err := lane.queue.Enqueue(ctx, deployment); err != nil {
		return err
	}
	s.metrics.RecordDeploymentQueued(deployment.ID)
	s.updateDepth()
	return nil
}

// Cancel removes a deployment from its queue if it has not been dispatched.
// Running deployments are canceled cooperatively through the tracker status.
func (s *Scheduler) Cancel(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	lane, ok := s.lanes[deployment.Pool]
	if !ok {
		return fmt.Errorf("no lane for pool %q", deployment.Pool)
	}
	return lane.queue.Cancel(ctx, deployment.ID)
}

// QueueMetrics aggregates queue metrics across lanes
func (s *Scheduler) QueueMetrics() interfaces.QueueMetrics {
	var agg interfaces.QueueMetrics
	for _, lane := range s.lanes {
		m := lane.queue.GetMetrics()
		agg.TotalEnqueued += m.TotalEnqueued
		agg.TotalDequeued += m.TotalDequeued
		agg.CurrentDepth += m.CurrentDepth
		if agg.OldestDeployment.IsZero() ||
			(!m.OldestDeployment.IsZero() && m.OldestDeployment.Before(agg.OldestDeployment)) {
			agg.OldestDeployment = m.OldestDeployment
		}
		// Weighted average would need per-lane counts; the larger value is the
		// honest operator signal
		if m.AverageWaitTime > agg.AverageWaitTime {
			agg.AverageWaitTime = m.AverageWaitTime
		}
	}
	return agg
}

// processFor builds the lane's execute wrapper: environment gating around the
// pipeline, reschedule handling after it
func (s *Scheduler) processFor(gate *ResourcePool, queue interfaces.DeploymentQueue) embedded.DeploymentExecutor {
	return func(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
		defer s.updateDepth()

		// Skip deployments canceled while queued
		if status, err := s.tracker.GetStatus(deployment.ID); err == nil && status.Terminal() {
			return nil
		}

		release, err := gate.Acquire(deployment.Plan.EnvironmentID, deployment.ID)
		if err != nil {
			var busy *ErrEnvironmentBusy
			if errors.As(err, &busy) {
				// Same-pool contention: requeue without consuming a reschedule
				s.requeueAfter(deployment, s.rescheduleDelay, queue)
				return nil
			}
			return err
		}
		defer release()

		execErr := s.execute(ctx, deployment)
		if execErr == nil {
			return nil
		}
		if errors.Is(execErr, executor.ErrReschedule) {
			s.handleReschedule(deployment, queue, execErr)
			return nil
		}
		return execErr
	}
}

// handleReschedule requeues a deployment whose environment dropped offline,
// failing it once the reschedule budget is spent
func (s *Scheduler) handleReschedule(deployment *interfaces.QueuedDeployment, queue interfaces.DeploymentQueue, cause error) {
	deployment.Reschedules++
	if deployment.Reschedules > s.maxReschedules {
		s.logger.Warnf("deployment %s exhausted %d reschedules", deployment.ID, s.maxReschedules)
		s.failExhausted(deployment, cause)
		return
	}

	// Linear backoff per reschedule; environment outages are long compared to
	// stage retries
	delay := s.rescheduleDelay * time.Duration(deployment.Reschedules)
	s.logger.Info("rescheduling deployment %s attempt=%d delay=%s",
		deployment.ID, deployment.Reschedules, delay)

	deployment.Status = interfaces.DeploymentStatusPending
	if err := s.tracker.SetStatus(deployment.ID, interfaces.DeploymentStatusPending); err != nil {
		s.logger.Errorf("failed to reset status for %s: %v", deployment.ID, err)
	}
	s.requeueAfter(deployment, delay, queue)
}

// requeueAfter re-enqueues a deployment after a delay without blocking a worker
func (s *Scheduler) requeueAfter(deployment *interfaces.QueuedDeployment, delay time.Duration, queue interfaces.DeploymentQueue) {
	s.timers.Add(1)
	go func() {
		defer s.timers.Done()

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
		if err := queue.Enqueue(s.ctx, deployment); err != nil {
			s.logger.Errorf("failed to requeue deployment %s: %v", deployment.ID, err)
			s.failExhausted(deployment, err)
		}
	}()
}

// failExhausted finalizes a deployment the scheduler can no longer place
func (s *Scheduler) failExhausted(deployment *interfaces.QueuedDeployment, cause error) {
	_ = s.tracker.SetStatus(deployment.ID, interfaces.DeploymentStatusFailed)
	_ = s.tracker.SetError(deployment.ID, cause)

	now := time.Now()
	result := &interfaces.DeploymentResult{
		DeploymentID: deployment.ID,
		Status:       interfaces.DeploymentStatusFailed,
		Error: &interfaces.FailureDetail{
			Stage:      interfaces.StageConnect,
			ErrorClass: interfaces.ClassifyError(cause),
			Message:    logging.Sanitize(cause.Error()),
			Attempts:   deployment.RetryCount + 1,
		},
		CompletedAt: now,
	}
	_ = s.tracker.SetResult(deployment.ID, result)
	s.metrics.RecordDeploymentFailed(deployment.ID, interfaces.ClassifyError(cause))
}

func (s *Scheduler) updateDepth() {
	depth := 0
	for _, lane := range s.lanes {
		depth += lane.queue.Size()
	}
	s.metrics.UpdateQueueDepth(depth)
}

// ActiveWorkers reports the configured worker count across lanes
func (s *Scheduler) ActiveWorkers() int {
	total := 0
	for _, lane := range s.lanes {
		total += lane.workers.GetWorkerCount()
	}
	return total
}
