package allocator

import (
	"context"
	"fmt"

	"github.com/hupe1980/cprkv/device"
	"github.com/hupe1980/cprkv/epoch"
	"github.com/hupe1980/cprkv/internal/completion"
	"github.com/hupe1980/cprkv/internal/mmap"
)

// ReadCacheFilter rewrites a copy of each page before it is written, for
// directories whose entries carry read-cache state that must not persist.
type ReadCacheFilter struct {
	// ChunkSize is the size of one entry passed to Filter. Defaults to the
	// record size.
	ChunkSize int
	// Filter is called once per entry of the page copy.
	Filter func(entry []byte)
	// Guard, if set, is held protected while a page is copied.
	Guard *epoch.Guard
}

// BeginCheckpoint writes the pages holding the current high-water prefix to
// dev starting at offset and returns the number of bytes issued. Completion
// is observed with IsCheckpointCompleted, IsCheckpointCompletedAsync or
// WaitForCheckpoint. The prefix length is LastCheckpointCount; records
// allocated afterwards are not part of the checkpoint.
func (d *PageDirectory[T]) BeginCheckpoint(dev device.Device, offset uint64) (uint64, error) {
	return d.beginCheckpoint(dev, offset, nil)
}

// BeginCheckpointReadCache is BeginCheckpoint for read-cache pages: each page
// is copied to a scratch buffer and filtered before it is written, leaving
// the live page untouched. The first AllocateChunkSize records of page 0
// are not filtered.
func (d *PageDirectory[T]) BeginCheckpointReadCache(dev device.Device, offset uint64, f ReadCacheFilter) (uint64, error) {
	if f.ChunkSize <= 0 {
		f.ChunkSize = d.recordSize
	}
	return d.beginCheckpoint(dev, offset, &f)
}

func (d *PageDirectory[T]) beginCheckpoint(dev device.Device, offset uint64, filter *ReadCacheFilter) (uint64, error) {
	if !d.blittable {
		return 0, ErrNotBlittable
	}
	if cd := d.checkpoint.Load(); cd != nil && !cd.IsCompleted() {
		return 0, ErrCheckpointInProgress
	}

	localCount := d.count.Load()
	d.checkpointCount.Store(localCount)
	lastRecords := localCount & d.pageMask
	completePages := int(localCount >> d.pageBits)
	numPages := completePages
	if lastRecords > 0 {
		numPages++
	}

	stride := device.AlignUp(dev, uint64(d.pageBytes))
	if p := d.pages[0].Load(); p == nil || stride > uint64(cap(p.raw)) {
		return 0, ErrSectorSize
	}

	cd := completion.New(int64(numPages))
	d.checkpoint.Store(cd)

	var written uint64
	for i := 0; i < numPages; i++ {
		writeSize := stride
		if i == completePages {
			writeSize = device.AlignUp(dev, uint64(lastRecords)*uint64(d.recordSize))
		}
		pageOffset := offset + written
		src := d.pages[i].Load().raw[:writeSize]

		var scratch *mmap.Mapping
		if filter != nil {
			var err error
			scratch, err = d.filteredCopy(i, src, filter)
			if err != nil {
				d.pageFailed("checkpoint", i, pageOffset, err)
				cd.Decrement()
				written += writeSize
				continue
			}
			src = scratch.Bytes()
		}

		index := i
		dev.WriteAsync(src, pageOffset, uint32(writeSize), func(err error, _ uint32) {
			if err != nil {
				d.pageFailed("checkpoint", index, pageOffset, err)
			}
			if scratch != nil {
				_ = scratch.Close()
			}
			cd.Decrement()
		})
		written += writeSize
	}
	return written, nil
}

func (d *PageDirectory[T]) filteredCopy(index int, src []byte, f *ReadCacheFilter) (*mmap.Mapping, error) {
	scratch, err := mmap.MapAnon(len(src))
	if err != nil {
		return nil, err
	}
	buf := scratch.Bytes()

	if g := f.Guard; g != nil && !g.Protected() {
		g.Resume()
		copy(buf, src)
		g.Suspend()
	} else {
		copy(buf, src)
	}

	if f.Filter != nil {
		j := 0
		if index == 0 {
			j = AllocateChunkSize * d.recordSize
		}
		for ; j+f.ChunkSize <= len(buf); j += f.ChunkSize {
			f.Filter(buf[j : j+f.ChunkSize])
		}
	}
	return scratch, nil
}

// LastCheckpointCount returns the high-water mark the last BeginCheckpoint
// snapshotted. Recovery of that checkpoint must use it as the bucket count.
func (d *PageDirectory[T]) LastCheckpointCount() int64 {
	return d.checkpointCount.Load()
}

// AppendPage appends the bytes of the allocated records of page index to dst.
// The caller must keep the records from changing while it copies.
func (d *PageDirectory[T]) AppendPage(dst []byte, index int) ([]byte, error) {
	if !d.blittable {
		return dst, ErrNotBlittable
	}
	hw := d.count.Load()
	first := int64(index) << d.pageBits
	if index < 0 || index >= MaxPages || first >= hw {
		return dst, fmt.Errorf("%w: page %d beyond high-water mark %d", ErrInvalidAddress, index, hw)
	}
	n := min(hw-first, d.pageSize)
	return append(dst, d.pages[index].Load().raw[:n*int64(d.recordSize)]...), nil
}

// IsCheckpointCompleted reports whether every page write of the last
// checkpoint has completed. It is true when no checkpoint was started.
func (d *PageDirectory[T]) IsCheckpointCompleted() bool {
	cd := d.checkpoint.Load()
	return cd == nil || cd.IsCompleted()
}

// IsCheckpointCompletedAsync waits for the last checkpoint. Cancelling ctx
// abandons the wait only.
func (d *PageDirectory[T]) IsCheckpointCompletedAsync(ctx context.Context) error {
	cd := d.checkpoint.Load()
	if cd == nil {
		return nil
	}
	return cd.Wait(ctx)
}

// WaitForCheckpoint blocks until the last checkpoint completes, with g's
// epoch protection suspended while blocked.
func (d *PageDirectory[T]) WaitForCheckpoint(g *epoch.Guard) {
	if cd := d.checkpoint.Load(); cd != nil {
		cd.WaitSuspended(g)
	}
}
