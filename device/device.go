// Package device defines the asynchronous block device that checkpoint
// pages and delta logs are written to, plus local, in-memory, object-store,
// throttled and fault-injecting implementations.
//
// Every operation completes through an IOCallback invoked on an arbitrary
// goroutine. Callbacks must not block. Per-request state travels in the
// callback's closure.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/cprkv/internal/completion"
	"github.com/hupe1980/cprkv/internal/conv"
)

// DefaultSectorSize is the sector size assumed when none is configured.
const DefaultSectorSize = 512

var (
	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device: closed")
	// ErrCorrupt is returned when stored data fails verification.
	ErrCorrupt = errors.New("device: data corruption detected")
)

// IOCallback receives the outcome of one asynchronous operation: the error,
// if any, and the number of bytes transferred.
type IOCallback func(err error, n uint32)

// Device is an asynchronous, sector-addressed storage device.
type Device interface {
	// WriteAsync writes src[:length] at dstOffset.
	WriteAsync(src []byte, dstOffset uint64, length uint32, cb IOCallback)
	// ReadAsync reads length bytes at srcOffset into dst. Bytes beyond the
	// end of the written data read as zero.
	ReadAsync(srcOffset uint64, dst []byte, length uint32, cb IOCallback)
	// SectorSize is the alignment unit for offsets and lengths.
	SectorSize() uint32
	// FileSize returns the number of bytes stored in a segment.
	FileSize(segment int) (int64, error)
	// Close waits for outstanding operations and releases resources.
	Close() error
}

// AlignUp rounds n up to a multiple of the device's sector size.
func AlignUp(d Device, n uint64) uint64 {
	s := uint64(d.SectorSize())
	return (n + s - 1) / s * s
}

// WriteSync issues a write and waits for it.
func WriteSync(ctx context.Context, d Device, src []byte, dstOffset uint64) error {
	length, err := conv.IntToUint32(len(src))
	if err != nil {
		return err
	}
	var ioErr error
	done := completion.New(1)
	d.WriteAsync(src, dstOffset, length, func(err error, n uint32) {
		if err == nil && int(n) != len(src) {
			err = fmt.Errorf("device: short write %d of %d bytes", n, len(src))
		}
		ioErr = err
		done.Decrement()
	})
	if err := done.Wait(ctx); err != nil {
		return err
	}
	return ioErr
}

// ReadSync issues a read and waits for it.
func ReadSync(ctx context.Context, d Device, srcOffset uint64, dst []byte) error {
	length, err := conv.IntToUint32(len(dst))
	if err != nil {
		return err
	}
	var ioErr error
	done := completion.New(1)
	d.ReadAsync(srcOffset, dst, length, func(err error, _ uint32) {
		ioErr = err
		done.Decrement()
	})
	if err := done.Wait(ctx); err != nil {
		return err
	}
	return ioErr
}

// Syncer is implemented by devices that buffer writes.
type Syncer interface {
	Sync() error
}

// Flush syncs d if it buffers writes.
func Flush(d Device) error {
	if s, ok := d.(Syncer); ok {
		return s.Sync()
	}
	return nil
}
