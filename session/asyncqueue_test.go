package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncQueueFIFO(t *testing.T) {
	q := NewAsyncQueue[int]()
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	for i := range 5 {
		q.Enqueue(i)
	}
	assert.Equal(t, 5, q.Count())
	for i := range 5 {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Zero(t, q.Count())
}

func TestAsyncQueueWaitForEntry(t *testing.T) {
	q := NewAsyncQueue[string]()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.WaitForEntry()
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Enqueue("ready")
	wg.Wait()

	// Waiting does not consume.
	assert.Equal(t, 1, q.Count())
	q.WaitForEntry()
}

func TestAsyncQueueWaitForEntryAsync(t *testing.T) {
	q := NewAsyncQueue[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitForEntryAsync(ctx), context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.WaitForEntryAsync(context.Background())
	}()
	q.Enqueue(7)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken")
	}
}
