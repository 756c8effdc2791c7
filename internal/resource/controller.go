package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxInflightIO is the maximum number of outstanding device operations.
	// If 0, unlimited.
	MaxInflightIO int64

	// IOLimitBytesPerSec is the maximum device throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller bounds device I/O and tracks page memory.
type Controller struct {
	cfg Config

	inflight  *semaphore.Weighted // nil if unlimited
	ioLimiter *rate.Limiter       // nil if unlimited
	burst     int

	memUsed atomic.Int64
	ioBytes atomic.Int64
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}

	if cfg.MaxInflightIO > 0 {
		c.inflight = semaphore.NewWeighted(cfg.MaxInflightIO)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.burst = int(cfg.IOLimitBytesPerSec)
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), c.burst)
	}

	return c
}

// AcquireInflight reserves one in-flight operation slot.
func (c *Controller) AcquireInflight(ctx context.Context) error {
	if c == nil || c.inflight == nil {
		return nil
	}
	return c.inflight.Acquire(ctx, 1)
}

// ReleaseInflight releases a slot taken with AcquireInflight.
func (c *Controller) ReleaseInflight() {
	if c == nil || c.inflight == nil {
		return
	}
	c.inflight.Release(1)
}

// AcquireIO waits until the throughput limit admits n bytes. Requests larger
// than the bucket are admitted in burst-sized steps.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil {
		return nil
	}
	c.ioBytes.Add(int64(n))
	if c.ioLimiter == nil {
		return nil
	}
	for n > 0 {
		step := n
		if step > c.burst {
			step = c.burst
		}
		if err := c.ioLimiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// TrackMemory adjusts the mapped page memory counter by delta bytes.
func (c *Controller) TrackMemory(delta int64) {
	if c == nil {
		return
	}
	c.memUsed.Add(delta)
}

// MemoryUsage returns the tracked page memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// IOBytes returns the total bytes admitted through AcquireIO.
func (c *Controller) IOBytes() int64 {
	if c == nil {
		return 0
	}
	return c.ioBytes.Load()
}
