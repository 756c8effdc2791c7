package allocator

import (
	"context"
	"fmt"

	"github.com/hupe1980/cprkv/device"
	"github.com/hupe1980/cprkv/internal/completion"
)

// BeginRecovery allocates until the directory holds at least buckets
// records, then reads numBytes worth of records from dev at offset into the
// pages, one full-page read per page. Records read past the high-water mark
// are cleared. It returns the number of record bytes covered. Recovery must
// not run concurrently with other allocation.
func (d *PageDirectory[T]) BeginRecovery(dev device.Device, offset uint64, buckets int64, numBytes uint64) (uint64, error) {
	if !d.blittable {
		return 0, ErrNotBlittable
	}
	d.Grow(buckets)
	hw := d.count.Load()

	numRecords := int64(numBytes / uint64(d.recordSize))
	lastRecords := numRecords & d.pageMask
	completePages := int(numRecords >> d.pageBits)
	numPages := completePages
	if lastRecords > 0 {
		numPages++
	}

	stride := device.AlignUp(dev, uint64(d.pageBytes))
	for i := 0; i < numPages; i++ {
		if i >= MaxPages || d.pages[i].Load() == nil {
			return 0, ErrRecoveryRange
		}
	}
	if stride > uint64(cap(d.pages[0].Load().raw)) {
		return 0, ErrSectorSize
	}

	cd := completion.New(int64(numPages))
	d.recovery.Store(cd)

	var read uint64
	for i := 0; i < numPages; i++ {
		index, pageOffset := i, offset+read
		dst := d.pages[i].Load().raw[:stride]
		dev.ReadAsync(pageOffset, dst, uint32(stride), func(err error, _ uint32) {
			if err != nil {
				d.pageFailed("recovery", index, pageOffset, err)
			}
			if int64(index) == hw>>d.pageBits {
				clear(dst[(hw&d.pageMask)*int64(d.recordSize):])
			}
			cd.Decrement()
		})
		if i == completePages {
			read += uint64(lastRecords) * uint64(d.recordSize)
		} else {
			read += stride
		}
	}
	return read, nil
}

// Grow allocates until the high-water mark is at least n.
func (d *PageDirectory[T]) Grow(n int64) {
	for d.count.Load() < n {
		d.claim(1)
	}
}

// RestorePage overwrites the leading records of page index with data, as
// produced by AppendPage. The page must lie below the high-water mark.
func (d *PageDirectory[T]) RestorePage(index int, data []byte) error {
	if !d.blittable {
		return ErrNotBlittable
	}
	hw := d.count.Load()
	first := int64(index) << d.pageBits
	if index < 0 || index >= MaxPages || first >= hw || len(data)%d.recordSize != 0 {
		return fmt.Errorf("%w: page %d of %d bytes, high-water mark %d", ErrRecoveryRange, index, len(data), hw)
	}
	if int64(len(data)/d.recordSize) > min(hw-first, d.pageSize) {
		return fmt.Errorf("%w: page %d of %d bytes, high-water mark %d", ErrRecoveryRange, index, len(data), hw)
	}
	copy(d.pages[index].Load().raw, data)
	return nil
}

// Recover starts recovery and returns without waiting. Use
// IsRecoveryCompleted to poll or wait.
func (d *PageDirectory[T]) Recover(dev device.Device, offset uint64, buckets int64, numBytes uint64) error {
	_, err := d.BeginRecovery(dev, offset, buckets, numBytes)
	return err
}

// RecoverAsync runs recovery and waits for it. Cancelling ctx abandons the
// wait; issued reads still complete into the pages.
func (d *PageDirectory[T]) RecoverAsync(ctx context.Context, dev device.Device, offset uint64, buckets int64, numBytes uint64) (uint64, error) {
	n, err := d.BeginRecovery(dev, offset, buckets, numBytes)
	if err != nil {
		return 0, err
	}
	if err := d.recovery.Load().Wait(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// IsRecoveryCompleted reports whether all reads of the last recovery have
// completed, blocking until they have if wait is set.
func (d *PageDirectory[T]) IsRecoveryCompleted(wait bool) bool {
	cd := d.recovery.Load()
	if cd == nil {
		return true
	}
	if !cd.IsCompleted() && wait {
		cd.WaitBlocking()
		return true
	}
	return cd.IsCompleted()
}
