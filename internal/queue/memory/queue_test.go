package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), "task-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "task-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), 1))
	err = q.Enqueue(ctx, 2)
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueDrainAndLen(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), i))
	}
	require.Equal(t, 3, q.Len())
	require.Equal(t, 3, q.Drain())
	require.Zero(t, q.Len())
	require.Zero(t, q.Drain())
}
