// Package freelist provides an unbounded lock-free multi-producer,
// multi-consumer FIFO queue used to recycle allocator addresses.
//
// The queue is a linked list of nodes with a sentinel head. Producers append
// with a CAS on the tail's next pointer; consumers advance the head with a
// CAS. Nodes are never reused, so the garbage collector rules out ABA.
// Ordering is FIFO per linearization point, which under concurrent producers
// is the order in which their appends succeed.
package freelist

import (
	"runtime"
	"sync/atomic"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is a lock-free MPMC queue. The zero value is not usable; call New.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	size atomic.Int64
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	sentinel := &node[T]{}
	q := &Queue[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Enqueue appends v to the tail of the queue.
func (q *Queue[T]) Enqueue(v T) {
	n := &node[T]{value: v}

	var backoff uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// Losing this CAS is fine; some other goroutine already helped.
				q.tail.CompareAndSwap(tail, n)
				q.size.Add(1)
				return
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}
		spin(&backoff)
	}
}

// TryDequeue removes and returns the head of the queue. It never blocks;
// ok is false when the queue is empty.
func (q *Queue[T]) TryDequeue() (v T, ok bool) {
	var backoff uint8
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return v, false
		}
		if head == tail {
			// Tail is lagging behind a completed append.
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		val := next.value
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			return val, true
		}
		spin(&backoff)
	}
}

// Len returns an approximate number of queued items.
func (q *Queue[T]) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// spin backs off exponentially under contention, yielding the processor so
// the goroutine holding the contended word can finish.
func spin(backoff *uint8) {
	if *backoff < 10 {
		*backoff++
		for i := 0; i < 1<<*backoff; i++ {
			runtime.Gosched()
		}
	}
	runtime.Gosched()
}
