package completion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cprkv/epoch"
)

func TestCountdown_Zero(t *testing.T) {
	c := New(0)
	assert.True(t, c.IsCompleted())
	assert.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, int64(0), c.Remaining())
}

func TestCountdown_CompletesAfterAllDecrements(t *testing.T) {
	c := New(3)
	c.Decrement()
	c.Decrement()
	assert.False(t, c.IsCompleted())
	assert.Equal(t, int64(1), c.Remaining())

	c.Decrement()
	assert.True(t, c.IsCompleted())
	c.WaitBlocking()

	assert.Panics(t, c.Decrement)
}

func TestCountdown_WaitCancelled(t *testing.T) {
	c := New(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The countdown itself is unaffected by the abandoned wait.
	c.Decrement()
	assert.True(t, c.IsCompleted())
}

func TestCountdown_ConcurrentDecrements(t *testing.T) {
	const n = 64
	c := New(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Decrement()
		}()
	}

	require.NoError(t, c.Wait(context.Background()))
	wg.Wait()
}

func TestCountdown_WaitSuspended(t *testing.T) {
	e := epoch.New(0)
	g, err := e.Register()
	require.NoError(t, err)
	g.Resume()

	c := New(1)
	suspended := make(chan bool, 1)
	go func() {
		// Give the waiter time to suspend.
		time.Sleep(5 * time.Millisecond)
		suspended <- true
		c.Decrement()
	}()

	c.WaitSuspended(g)
	<-suspended
	assert.True(t, g.Protected(), "guard must be resumed after the wait")
}
