package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-1", TenantID: "a", RunID: "1"}))
	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-2", TenantID: "a", RunID: "2"}))
	assert.Equal(t, 2, q.Len())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", first.RunID)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", second.RunID)
	assert.Zero(t, q.Len())
}

func TestEnqueue_DeduplicatesInQueueIDs(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-1", RunID: "1"}))
	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-1", RunID: "1"}))
	assert.Equal(t, 1, q.Len())

	// After dequeue the id may be enqueued again.
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-1", RunID: "1"}))
	assert.Equal(t, 1, q.Len())
}

func TestDequeue_BlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	got := make(chan *Item, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got <- item
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-9", RunID: "9"}))

	select {
	case item := <-got:
		assert.Equal(t, "9", item.RunID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestDequeue_ContextCancel(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestClose_WakesConsumersAndDrainsItems(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Item{ID: "run-1", RunID: "1"}))
	q.Close()

	// Pending items still drain after close.
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", item.RunID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(ctx, Item{ID: "run-2"}), ErrClosed)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	seen := make(chan string, n)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				seen <- item.RunID
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, Item{ID: fmt.Sprintf("item-%d", i), RunID: "r"}))
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < n {
		select {
		case <-seen:
			received++
		case <-timeout:
			t.Fatalf("received %d of %d", received, n)
		}
	}
	q.Close()
	wg.Wait()
}
