package session

import (
	"context"
	"sync"

	"github.com/hupe1980/cprkv/internal/freelist"
)

// AsyncQueue is an unbounded MPMC queue whose consumers can wait for an
// entry either blocking or with a context.
type AsyncQueue[T any] struct {
	q *freelist.Queue[T]

	mu   sync.Mutex
	wake chan struct{}
}

// NewAsyncQueue returns an empty queue.
func NewAsyncQueue[T any]() *AsyncQueue[T] {
	return &AsyncQueue[T]{
		q:    freelist.New[T](),
		wake: make(chan struct{}),
	}
}

// Enqueue adds v and wakes all waiters.
func (a *AsyncQueue[T]) Enqueue(v T) {
	a.q.Enqueue(v)

	a.mu.Lock()
	close(a.wake)
	a.wake = make(chan struct{})
	a.mu.Unlock()
}

// TryDequeue removes the oldest entry if there is one.
func (a *AsyncQueue[T]) TryDequeue() (T, bool) {
	return a.q.TryDequeue()
}

// Count returns the number of queued entries.
func (a *AsyncQueue[T]) Count() int {
	return a.q.Len()
}

func (a *AsyncQueue[T]) waitChan() (<-chan struct{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.q.Len() > 0 {
		return nil, true
	}
	return a.wake, false
}

// WaitForEntry blocks until the queue is non-empty. It does not dequeue.
func (a *AsyncQueue[T]) WaitForEntry() {
	for {
		ch, ready := a.waitChan()
		if ready {
			return
		}
		<-ch
	}
}

// WaitForEntryAsync is WaitForEntry bounded by ctx.
func (a *AsyncQueue[T]) WaitForEntryAsync(ctx context.Context) error {
	for {
		ch, ready := a.waitChan()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
