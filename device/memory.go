package device

import (
	"sync"
	"sync/atomic"
)

// MemoryDevice keeps all data in one growable in-memory segment.
type MemoryDevice struct {
	sectorSize uint32

	mu     sync.RWMutex
	data   []byte
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewMemoryDevice creates an empty in-memory device.
func NewMemoryDevice(sectorSize uint32) *MemoryDevice {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	return &MemoryDevice{sectorSize: sectorSize}
}

// WriteAsync copies src into the device on a new goroutine.
func (d *MemoryDevice) WriteAsync(src []byte, dstOffset uint64, length uint32, cb IOCallback) {
	if d.closed.Load() {
		cb(ErrClosed, 0)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.mu.Lock()
		end := dstOffset + uint64(length)
		if end > uint64(len(d.data)) {
			grown := make([]byte, end)
			copy(grown, d.data)
			d.data = grown
		}
		copy(d.data[dstOffset:end], src[:length])
		d.mu.Unlock()
		cb(nil, length)
	}()
}

// ReadAsync copies from the device on a new goroutine.
func (d *MemoryDevice) ReadAsync(srcOffset uint64, dst []byte, length uint32, cb IOCallback) {
	if d.closed.Load() {
		cb(ErrClosed, 0)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		p := dst[:length]
		d.mu.RLock()
		n := 0
		if srcOffset < uint64(len(d.data)) {
			n = copy(p, d.data[srcOffset:])
		}
		d.mu.RUnlock()
		clear(p[n:])
		cb(nil, length)
	}()
}

// SectorSize returns the configured sector size.
func (d *MemoryDevice) SectorSize() uint32 {
	return d.sectorSize
}

// FileSize returns the stored byte count for segment 0.
func (d *MemoryDevice) FileSize(segment int) (int64, error) {
	if segment != 0 {
		return 0, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(len(d.data)), nil
}

// Bytes returns a copy of the stored data.
func (d *MemoryDevice) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.data...)
}

// Close waits for outstanding operations.
func (d *MemoryDevice) Close() error {
	d.closed.Store(true)
	d.wg.Wait()
	return nil
}
