package allocator

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/cprkv/internal/completion"
	"github.com/hupe1980/cprkv/internal/freelist"
	"github.com/hupe1980/cprkv/internal/mmap"
)

const (
	// DefaultPageBits gives 65536 records per page.
	DefaultPageBits = 16
	// MinPageBits is the smallest page: one allocate chunk.
	MinPageBits = 4
	// LevelBits is log2 of the page directory capacity.
	LevelBits = 12
	// MaxPages is the number of pages a directory can hold.
	MaxPages = 1 << LevelBits
	// AllocateChunkSize is the number of slots BulkAllocate reserves.
	AllocateChunkSize = 16
)

type page[T any] struct {
	records []T
	raw     []byte // records as bytes; nil unless blittable
	mapping *mmap.Mapping
}

// PageDirectory is a growable array of fixed-size pages of records of type T.
type PageDirectory[T any] struct {
	pageBits   uint
	pageSize   int64
	pageMask   int64
	recordSize int
	pageBytes  int
	blittable  bool

	pages           [MaxPages]atomic.Pointer[page[T]]
	count           atomic.Int64 // high-water mark
	writeCacheLevel atomic.Int32 // newest page filled past offset 0, -1 if none
	freeList        *freelist.Queue[int64]

	checkpoint      atomic.Pointer[completion.Countdown]
	checkpointCount atomic.Int64 // high-water mark the last checkpoint wrote
	recovery        atomic.Pointer[completion.Countdown]
	failedPages     atomic.Int64

	opts options
}

// New creates a directory with pages 0 and 1 in place.
func New[T any](optFns ...Option) (*PageDirectory[T], error) {
	o := options{
		pageBits: DefaultPageBits,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&o)
	}

	var zero T
	t := reflect.TypeOf(&zero).Elem()
	d := &PageDirectory[T]{
		pageBits:   uint(o.pageBits),
		pageSize:   1 << o.pageBits,
		pageMask:   1<<o.pageBits - 1,
		recordSize: int(unsafe.Sizeof(zero)),
		blittable:  unsafe.Sizeof(zero) > 0 && blittable(t),
		freeList:   freelist.New[int64](),
		opts:       o,
	}
	d.pageBytes = int(d.pageSize) * d.recordSize
	d.writeCacheLevel.Store(-1)

	for i := 0; i < 2; i++ {
		if err := d.createPage(i); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	if o.nullSentinel {
		d.BulkAllocate()
	}
	return d, nil
}

func (d *PageDirectory[T]) createPage(index int) error {
	if index >= MaxPages {
		return nil
	}
	p := &page[T]{}
	if d.blittable {
		m, err := mmap.MapAnon(d.pageBytes)
		if err != nil {
			return fmt.Errorf("allocator: map page %d: %w", index, err)
		}
		p.mapping = m
		p.raw = m.Bytes()
		p.records = unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(p.raw))), d.pageSize)
		d.opts.rc.TrackMemory(int64(cap(p.raw)))
	} else {
		p.records = make([]T, d.pageSize)
	}
	d.pages[index].Store(p)
	return nil
}

// Allocate claims one record slot, reusing a freed address when available.
// It never fails; exhausting MaxPages panics with ErrDirectoryFull.
func (d *PageDirectory[T]) Allocate() int64 {
	if addr, ok := d.freeList.TryDequeue(); ok {
		return addr
	}
	return d.claim(1)
}

// BulkAllocate reserves AllocateChunkSize contiguous slots and returns the
// first. It must not be mixed with Allocate on the same directory, except
// for the reservation made by WithNullSentinel; a reservation that does not
// start on a chunk boundary panics with ErrMisalignedChunk.
func (d *PageDirectory[T]) BulkAllocate() int64 {
	return d.claim(AllocateChunkSize)
}

func (d *PageDirectory[T]) claim(n int64) int64 {
	index := d.count.Add(n) - n
	if n > 1 && index&(n-1) != 0 {
		panic(fmt.Errorf("%w: chunk at %d", ErrMisalignedChunk, index))
	}
	base := int(index >> d.pageBits)
	offset := index & d.pageMask

	// Pages 0 and 1 exist from construction.
	if base == 0 {
		return index
	}
	if int(d.writeCacheLevel.Load()) == base {
		return index
	}
	if base >= MaxPages {
		panic(ErrDirectoryFull)
	}

	var backoff uint8
	for d.pages[base].Load() == nil {
		spin(&backoff)
	}

	if offset == 0 {
		d.writeCacheLevel.Store(int32(base))
		if err := d.createPage(base + 1); err != nil {
			panic(err)
		}
	}
	return index
}

// Free clears the record at addr and makes the address available again.
func (d *PageDirectory[T]) Free(addr int64) {
	var zero T
	*d.Ref(addr) = zero
	d.freeList.Enqueue(addr)
}

// Get returns a copy of the record at addr.
func (d *PageDirectory[T]) Get(addr int64) T {
	return *d.Ref(addr)
}

// Set stores v at addr.
func (d *PageDirectory[T]) Set(addr int64, v T) {
	*d.Ref(addr) = v
}

// Ref returns a pointer to the record at addr. Addresses that were never
// allocated panic with an *AddressError.
func (d *PageDirectory[T]) Ref(addr int64) *T {
	hw := d.count.Load()
	if addr < 0 || addr >= hw {
		panic(&AddressError{Addr: addr, HighWater: hw})
	}
	p := d.pages[addr>>d.pageBits].Load()
	if p == nil {
		panic(&AddressError{Addr: addr, HighWater: hw})
	}
	return &p.records[addr&d.pageMask]
}

// MaxValidAddress returns the high-water mark.
func (d *PageDirectory[T]) MaxValidAddress() int64 {
	return d.count.Load()
}

// PageSize returns the number of records per page.
func (d *PageDirectory[T]) PageSize() int {
	return int(d.pageSize)
}

// RecordSize returns the size of one record in bytes.
func (d *PageDirectory[T]) RecordSize() int {
	return d.recordSize
}

// PageCount returns the number of pages created so far.
func (d *PageDirectory[T]) PageCount() int {
	n := 0
	for i := range d.pages {
		if d.pages[i].Load() == nil {
			break
		}
		n++
	}
	return n
}

// FreeCount returns the number of addresses waiting for reuse.
func (d *PageDirectory[T]) FreeCount() int {
	return d.freeList.Len()
}

// Blittable reports whether the record type can be checkpointed.
func (d *PageDirectory[T]) Blittable() bool {
	return d.blittable
}

// FailedPages returns the number of page writes and reads that failed
// since the directory was created.
func (d *PageDirectory[T]) FailedPages() int64 {
	return d.failedPages.Load()
}

func (d *PageDirectory[T]) pageFailed(op string, index int, offset uint64, err error) {
	d.failedPages.Add(1)
	d.opts.logger.Error("page I/O failed",
		slog.String("op", op),
		slog.Int("page", index),
		slog.Uint64("offset", offset),
		slog.Any("error", err),
	)
	if d.opts.onPageError != nil {
		d.opts.onPageError(op, index, err)
	}
}

// Close releases every page. The directory must not be used afterwards.
func (d *PageDirectory[T]) Close() error {
	var firstErr error
	for i := range d.pages {
		p := d.pages[i].Swap(nil)
		if p == nil || p.mapping == nil {
			continue
		}
		d.opts.rc.TrackMemory(-int64(cap(p.raw)))
		if err := p.mapping.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.count.Store(0)
	return firstErr
}

func spin(backoff *uint8) {
	if *backoff < 10 {
		*backoff++
		for i := 0; i < 1<<*backoff; i++ {
			runtime.Gosched()
		}
	}
	runtime.Gosched()
}
