// Package completion provides the countdown used to track batches of
// asynchronous device operations.
//
// A Countdown is async first: completion is a channel closed exactly once
// when the remaining count reaches zero. Blocking callers use the thin
// WaitBlocking/WaitSuspended adapters on top of the same signal.
package completion

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/cprkv/epoch"
)

// Countdown completes after a fixed number of Decrement calls.
type Countdown struct {
	remaining atomic.Int64
	done      chan struct{}
}

// New creates a countdown expecting n decrements. A countdown with n <= 0 is
// already complete.
func New(n int64) *Countdown {
	c := &Countdown{done: make(chan struct{})}
	if n <= 0 {
		close(c.done)
		return c
	}
	c.remaining.Store(n)
	return c
}

// Decrement records one completion. The decrement that reaches zero releases
// all waiters. Decrementing a completed countdown panics.
func (c *Countdown) Decrement() {
	switch n := c.remaining.Add(-1); {
	case n == 0:
		close(c.done)
	case n < 0:
		panic("completion: countdown decremented below zero")
	}
}

// Remaining returns the number of outstanding completions.
func (c *Countdown) Remaining() int64 {
	if n := c.remaining.Load(); n > 0 {
		return n
	}
	return 0
}

// IsCompleted is a non-blocking poll.
func (c *Countdown) IsCompleted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on completion.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until completion or until ctx is done. Cancelling only
// abandons the wait; outstanding operations still decrement the countdown.
func (c *Countdown) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		// Prefer completion if both are ready.
		select {
		case <-c.done:
			return nil
		default:
			return ctx.Err()
		}
	}
}

// WaitBlocking blocks until completion.
func (c *Countdown) WaitBlocking() {
	<-c.done
}

// WaitSuspended blocks until completion with g's epoch protection suspended
// for the duration of the wait. A nil or unprotected guard is left alone.
func (c *Countdown) WaitSuspended(g *epoch.Guard) {
	if c.IsCompleted() {
		return
	}
	if g != nil && g.Protected() {
		g.Suspend()
		defer g.Resume()
	}
	<-c.done
}
