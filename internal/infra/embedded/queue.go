// Package embedded provides in-memory infrastructure components for
// single-process deployment execution.
package embedded

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/testrig/testrig/internal/interfaces"
)

// Queue implements interfaces.DeploymentQueue ordered by (priority descending,
// enqueue time ascending). Equal-priority deployments leave in FIFO order.
type Queue struct {
	mu     sync.Mutex
	ready  *sync.Cond
	items  deploymentHeap
	seq    uint64 // monotonic enqueue counter, breaks priority ties FIFO
	limit  int
	closed bool

	// Metrics
	totalEnqueued int64
	totalDequeued int64
	totalWaitTime time.Duration
}

// NewQueue creates an embedded deployment queue with a bounded capacity
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100 // Default capacity
	}
	q := &Queue{limit: capacity}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a deployment, or fails immediately when the queue is full
func (q *Queue) Enqueue(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment is nil")
	}
	if deployment.ID == "" {
		return fmt.Errorf("deployment ID is empty")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if q.items.Len() >= q.limit {
		return fmt.Errorf("queue is full")
	}

	q.seq++
	heap.Push(&q.items, &queueItem{
		deployment: deployment,
		priority:   deployment.Priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	})
	q.totalEnqueued++
	q.ready.Signal()
	return nil
}

// Dequeue blocks until the highest-priority deployment is available or the
// context is done
func (q *Queue) Dequeue(ctx context.Context) (*interfaces.QueuedDeployment, error) {
	// Wake the cond wait when the context ends; Broadcast is cheap and the
	// spurious wakeups re-check the predicate
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.ready.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context canceled: %w", err)
		}
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			q.totalDequeued++
			q.totalWaitTime += time.Since(item.enqueuedAt)
			return item.deployment, nil
		}
		if q.closed {
			return nil, fmt.Errorf("queue is closed")
		}
		q.ready.Wait()
	}
}

// Cancel removes a still-queued deployment. A deployment already dequeued is
// canceled by its executor, not here.
func (q *Queue) Cancel(_ context.Context, deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.deployment.ID == deploymentID {
			heap.Remove(&q.items, i)
			return nil
		}
	}
	return fmt.Errorf("deployment %s not found in queue", deploymentID)
}

// Close closes the queue and wakes all blocked consumers
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.ready.Broadcast()
}

// Size returns the current number of queued deployments
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Capacity returns the queue capacity
func (q *Queue) Capacity() int {
	return q.limit
}

// GetMetrics returns queue metrics
func (q *Queue) GetMetrics() interfaces.QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	metrics := interfaces.QueueMetrics{
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		CurrentDepth:  q.items.Len(),
	}
	var oldest time.Time
	for _, item := range q.items {
		if oldest.IsZero() || item.enqueuedAt.Before(oldest) {
			oldest = item.enqueuedAt
		}
	}
	metrics.OldestDeployment = oldest

	if q.totalDequeued > 0 {
		metrics.AverageWaitTime = q.totalWaitTime / time.Duration(q.totalDequeued)
	}
	return metrics
}

type queueItem struct {
	deployment *interfaces.QueuedDeployment
	priority   int
	seq        uint64
	enqueuedAt time.Time
	index      int
}

// deploymentHeap orders by priority descending, then sequence ascending
type deploymentHeap []*queueItem

func (h deploymentHeap) Len() int { return len(h) }

func (h deploymentHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h deploymentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deploymentHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *deploymentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

var _ interfaces.DeploymentQueue = (*Queue)(nil)
