package embedded

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/interfaces"
)

func TestQueue_Enqueue(t *testing.T) {
	t.Parallel()

	t.Run("SuccessfulEnqueue", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		deployment := &interfaces.QueuedDeployment{
			ID:     "dep-123",
			Status: interfaces.DeploymentStatusPending,
		}

		err := queue.Enqueue(context.Background(), deployment)
		require.NoError(t, err)
		assert.Equal(t, 1, queue.Size())
	})

	t.Run("NilDeployment", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		err := queue.Enqueue(context.Background(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "deployment is nil")
	})

	t.Run("EmptyID", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		deployment := &interfaces.QueuedDeployment{
			Status: interfaces.DeploymentStatusPending,
		}
		err := queue.Enqueue(context.Background(), deployment)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "deployment ID is empty")
	})

	t.Run("QueueFull", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(1)

		err := queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-1"})
		require.NoError(t, err)

		err = queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-2"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue is full")
	})

	t.Run("ClosedQueue", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		queue.Close()

		err := queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue is closed")
	})
}

func TestQueue_Dequeue(t *testing.T) {
	t.Parallel()

	t.Run("PriorityOrdering", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		low := &interfaces.QueuedDeployment{ID: "low", Priority: 1}
		high := &interfaces.QueuedDeployment{ID: "high", Priority: 10}
		mid := &interfaces.QueuedDeployment{ID: "mid", Priority: 5}

		require.NoError(t, queue.Enqueue(context.Background(), low))
		require.NoError(t, queue.Enqueue(context.Background(), high))
		require.NoError(t, queue.Enqueue(context.Background(), mid))

		for _, want := range []string{"high", "mid", "low"} {
			got, err := queue.Dequeue(context.Background())
			require.NoError(t, err)
			assert.Equal(t, want, got.ID)
		}
	})

	t.Run("FIFOWithinPriority", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		for i := 0; i < 5; i++ {
			d := &interfaces.QueuedDeployment{ID: fmt.Sprintf("dep-%d", i), Priority: 3}
			require.NoError(t, queue.Enqueue(context.Background(), d))
		}

		for i := 0; i < 5; i++ {
			got, err := queue.Dequeue(context.Background())
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("dep-%d", i), got.ID)
		}
	})

	t.Run("BlocksUntilEnqueue", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		done := make(chan *interfaces.QueuedDeployment, 1)
		go func() {
			d, err := queue.Dequeue(context.Background())
			if err == nil {
				done <- d
			}
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-1"}))

		select {
		case d := <-done:
			assert.Equal(t, "dep-1", d.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("dequeue did not return after enqueue")
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := queue.Dequeue(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "context canceled")
	})

	t.Run("CloseWakesConsumer", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		errCh := make(chan error, 1)
		go func() {
			_, err := queue.Dequeue(context.Background())
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		queue.Close()

		select {
		case err := <-errCh:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "queue is closed")
		case <-time.After(2 * time.Second):
			t.Fatal("dequeue did not return after close")
		}
	})
}

func TestQueue_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("RemovesQueuedDeployment", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		require.NoError(t, queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-1", Priority: 1}))
		require.NoError(t, queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-2", Priority: 2}))

		require.NoError(t, queue.Cancel(context.Background(), "dep-2"))
		assert.Equal(t, 1, queue.Size())

		got, err := queue.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "dep-1", got.ID)
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		err := queue.Cancel(context.Background(), "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found in queue")
	})

	t.Run("EmptyID", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		err := queue.Cancel(context.Background(), "")
		require.Error(t, err)
	})
}

func TestQueue_GetMetrics(t *testing.T) {
	t.Parallel()

	queue := NewQueue(10)

	require.NoError(t, queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-1"}))
	require.NoError(t, queue.Enqueue(context.Background(), &interfaces.QueuedDeployment{ID: "dep-2"}))

	_, err := queue.Dequeue(context.Background())
	require.NoError(t, err)

	metrics := queue.GetMetrics()
	assert.Equal(t, int64(2), metrics.TotalEnqueued)
	assert.Equal(t, int64(1), metrics.TotalDequeued)
	assert.Equal(t, 1, metrics.CurrentDepth)
	assert.False(t, metrics.OldestDeployment.IsZero())
}

func TestQueue_Capacity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, NewQueue(5).Capacity())
	// Zero falls back to the default
	assert.Equal(t, 100, NewQueue(0).Capacity())
}
