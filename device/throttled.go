package device

import (
	"context"

	"github.com/hupe1980/cprkv/internal/resource"
)

// Throttled bounds the in-flight operations and throughput of a Device
// through a resource.Controller.
type Throttled struct {
	Device
	rc *resource.Controller
}

// NewThrottled wraps dev. A nil controller makes the wrapper transparent.
func NewThrottled(dev Device, rc *resource.Controller) *Throttled {
	return &Throttled{Device: dev, rc: rc}
}

func (t *Throttled) admit(n uint32, issue func(IOCallback), cb IOCallback) {
	go func() {
		ctx := context.Background()
		if err := t.rc.AcquireInflight(ctx); err != nil {
			cb(err, 0)
			return
		}
		if err := t.rc.AcquireIO(ctx, int(n)); err != nil {
			t.rc.ReleaseInflight()
			cb(err, 0)
			return
		}
		issue(func(err error, n uint32) {
			t.rc.ReleaseInflight()
			cb(err, n)
		})
	}()
}

// WriteAsync waits for admission, then forwards the write.
func (t *Throttled) WriteAsync(src []byte, dstOffset uint64, length uint32, cb IOCallback) {
	t.admit(length, func(done IOCallback) {
		t.Device.WriteAsync(src, dstOffset, length, done)
	}, cb)
}

// ReadAsync waits for admission, then forwards the read.
func (t *Throttled) ReadAsync(srcOffset uint64, dst []byte, length uint32, cb IOCallback) {
	t.admit(length, func(done IOCallback) {
		t.Device.ReadAsync(srcOffset, dst, length, done)
	}, cb)
}

// Sync flushes the wrapped device.
func (t *Throttled) Sync() error {
	return Flush(t.Device)
}
