// Package metrics provides metrics collection for deployment operations.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/testrig/testrig/internal/interfaces"
)

// Collector tracks system metrics
type Collector struct {
	mu sync.RWMutex

	// Counters
	deploymentsQueued      int64
	deploymentsStarted     int64
	deploymentsCompleted   int64
	deploymentsFailed      int64
	deploymentsCanceled    int64
	deploymentsRescheduled int64

	// Failure breakdown by classified error
	failuresByClass map[string]int64

	// Timing
	deploymentDurations []time.Duration
	queueWaitTimes      []time.Duration

	// Real-time metrics
	activeWorkers int32
	queueDepth    int32

	startTime time.Time

	// Per-deployment tracking
	deploymentStartTimes sync.Map // deploymentID -> time.Time
	deploymentQueueTimes sync.Map // deploymentID -> time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		startTime:           time.Now(),
		failuresByClass:     make(map[string]int64),
		deploymentDurations: make([]time.Duration, 0, 1000),
		queueWaitTimes:      make([]time.Duration, 0, 1000),
	}
}

// RecordDeploymentQueued records when a deployment is queued
func (c *Collector) RecordDeploymentQueued(deploymentID string) {
	atomic.AddInt64(&c.deploymentsQueued, 1)
	c.deploymentQueueTimes.Store(deploymentID, time.Now())
}

// RecordDeploymentStarted records when a deployment starts processing
func (c *Collector) RecordDeploymentStarted(deploymentID string) {
	atomic.AddInt64(&c.deploymentsStarted, 1)

	if queueTime, ok := c.deploymentQueueTimes.LoadAndDelete(deploymentID); ok {
		waitTime := time.Since(queueTime.(time.Time))
		c.mu.Lock()
		c.queueWaitTimes = append(c.queueWaitTimes, waitTime)
		// Keep only last 1000 entries to avoid unbounded growth
		if len(c.queueWaitTimes) > 1000 {
			c.queueWaitTimes = c.queueWaitTimes[len(c.queueWaitTimes)-1000:]
		}
		c.mu.Unlock()
	}

	c.deploymentStartTimes.Store(deploymentID, time.Now())
}

// RecordDeploymentCompleted records when a deployment completes successfully
func (c *Collector) RecordDeploymentCompleted(deploymentID string) {
	atomic.AddInt64(&c.deploymentsCompleted, 1)
	c.recordDeploymentDuration(deploymentID)
}

// RecordDeploymentFailed records a failed deployment with its error class
func (c *Collector) RecordDeploymentFailed(deploymentID, errorClass string) {
	atomic.AddInt64(&c.deploymentsFailed, 1)
	if errorClass == "" {
		errorClass = interfaces.ErrorClassUnknown
	}
	c.mu.Lock()
	c.failuresByClass[errorClass]++
	c.mu.Unlock()
	c.recordDeploymentDuration(deploymentID)
}

// RecordDeploymentCanceled records when a deployment is canceled
func (c *Collector) RecordDeploymentCanceled(deploymentID string) {
	atomic.AddInt64(&c.deploymentsCanceled, 1)
	c.deploymentStartTimes.Delete(deploymentID)
	c.deploymentQueueTimes.Delete(deploymentID)
}

// RecordReschedule records a deployment requeued after its environment
// dropped offline
func (c *Collector) RecordReschedule(deploymentID string) {
	atomic.AddInt64(&c.deploymentsRescheduled, 1)
	c.deploymentStartTimes.Delete(deploymentID)
	c.deploymentQueueTimes.Store(deploymentID, time.Now())
}

// UpdateQueueDepth updates the current queue depth
func (c *Collector) UpdateQueueDepth(depth int) {
	atomic.StoreInt32(&c.queueDepth, int32(depth)) // #nosec G115 - queue depth will never exceed int32 limits
}

// UpdateActiveWorkers updates the number of active workers
func (c *Collector) UpdateActiveWorkers(count int) {
	atomic.StoreInt32(&c.activeWorkers, int32(count)) // #nosec G115 - worker count will never exceed int32 limits
}

// GetSystemMetrics returns current system metrics
func (c *Collector) GetSystemMetrics() interfaces.SystemMetrics {
	succeeded := atomic.LoadInt64(&c.deploymentsCompleted)
	failed := atomic.LoadInt64(&c.deploymentsFailed)
	processed := succeeded + failed

	var successRate float64
	if processed > 0 {
		successRate = float64(succeeded) / float64(processed)
	}

	c.mu.RLock()
	meanDuration := c.calculateMeanDurationNoLock()
	byClass := make(map[string]int64, len(c.failuresByClass))
	for class, n := range c.failuresByClass {
		byClass[class] = n
	}
	c.mu.RUnlock()

	return interfaces.SystemMetrics{
		DeploymentsProcessed: processed,
		DeploymentsSucceeded: succeeded,
		DeploymentsFailed:    failed,
		DeploymentsCanceled:  atomic.LoadInt64(&c.deploymentsCanceled),
		SuccessRate:          successRate,
		MeanDuration:         meanDuration,
		FailureCountsByClass: byClass,
		CurrentQueueDepth:    int(atomic.LoadInt32(&c.queueDepth)),
		ActiveWorkers:        int(atomic.LoadInt32(&c.activeWorkers)),
		SystemUptime:         time.Since(c.startTime),
	}
}

// GetQueueMetrics returns current queue metrics
func (c *Collector) GetQueueMetrics() interfaces.QueueMetrics {
	c.mu.RLock()
	avgWaitTime := c.calculateAverageQueueWaitTimeNoLock()
	c.mu.RUnlock()

	var oldestTime time.Time
	c.deploymentQueueTimes.Range(func(_, value interface{}) bool {
		queueTime := value.(time.Time)
		if oldestTime.IsZero() || queueTime.Before(oldestTime) {
			oldestTime = queueTime
		}
		return true
	})

	return interfaces.QueueMetrics{
		TotalEnqueued:    atomic.LoadInt64(&c.deploymentsQueued),
		TotalDequeued:    atomic.LoadInt64(&c.deploymentsStarted),
		CurrentDepth:     int(atomic.LoadInt32(&c.queueDepth)),
		AverageWaitTime:  avgWaitTime,
		OldestDeployment: oldestTime,
	}
}

// recordDeploymentDuration records the duration of a deployment
func (c *Collector) recordDeploymentDuration(deploymentID string) {
	if startTime, ok := c.deploymentStartTimes.LoadAndDelete(deploymentID); ok {
		duration := time.Since(startTime.(time.Time))
		c.mu.Lock()
		c.deploymentDurations = append(c.deploymentDurations, duration)
		// Keep only last 1000 entries
		if len(c.deploymentDurations) > 1000 {
			c.deploymentDurations = c.deploymentDurations[len(c.deploymentDurations)-1000:]
		}
		c.mu.Unlock()
	}
}

func (c *Collector) calculateMeanDurationNoLock() time.Duration {
	if len(c.deploymentDurations) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range c.deploymentDurations {
		total += d
	}

	return total / time.Duration(len(c.deploymentDurations))
}

func (c *Collector) calculateAverageQueueWaitTimeNoLock() time.Duration {
	if len(c.queueWaitTimes) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range c.queueWaitTimes {
		total += d
	}

	return total / time.Duration(len(c.queueWaitTimes))
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.StoreInt64(&c.deploymentsQueued, 0)
	atomic.StoreInt64(&c.deploymentsStarted, 0)
	atomic.StoreInt64(&c.deploymentsCompleted, 0)
	atomic.StoreInt64(&c.deploymentsFailed, 0)
	atomic.StoreInt64(&c.deploymentsCanceled, 0)
	atomic.StoreInt64(&c.deploymentsRescheduled, 0)
	atomic.StoreInt32(&c.queueDepth, 0)
	atomic.StoreInt32(&c.activeWorkers, 0)

	c.failuresByClass = make(map[string]int64)
	c.deploymentDurations = c.deploymentDurations[:0]
	c.queueWaitTimes = c.queueWaitTimes[:0]
	c.startTime = time.Now()

	c.deploymentStartTimes.Range(func(key, _ interface{}) bool {
		c.deploymentStartTimes.Delete(key)
		return true
	})
	c.deploymentQueueTimes.Range(func(key, _ interface{}) bool {
		c.deploymentQueueTimes.Delete(key)
		return true
	})
}
