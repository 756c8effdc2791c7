package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/minio/highwayhash"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/cprkv/blobstore"
)

// Object layout: [codec:1][rawLen:4][hash:8][payload].
const (
	blobHeaderSize = 13
	codecRaw       = 0
	codecLZ4       = 1
)

// hashKey is fixed so objects stay verifiable across processes.
var hashKey = []byte("cprkv/device/blob/highwayhash/k1")

type extent struct {
	offset uint64
	length uint32
}

func extentLess(a, b extent) bool { return a.offset < b.offset }

// BlobDevice maps each write to one object in a BlobStore, named by its
// offset and length. Objects are lz4 compressed when that pays off and
// carry a highwayhash of their content, verified on read.
//
// Reads may cover any byte range; they are assembled from the overlapping
// objects, and gaps read as zeros. Overlapping writes are not supported.
type BlobDevice struct {
	store      blobstore.BlobStore
	prefix     string
	sectorSize uint32

	mu     sync.RWMutex
	index  *btree.BTreeG[extent]
	wg     sync.WaitGroup
	closed atomic.Bool
}

// OpenBlobDevice opens the device stored below prefix, indexing any objects
// already present.
func OpenBlobDevice(ctx context.Context, store blobstore.BlobStore, prefix string, sectorSize uint32) (*BlobDevice, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	d := &BlobDevice{
		store:      store,
		prefix:     strings.TrimSuffix(prefix, "/") + "/",
		sectorSize: sectorSize,
		index:      btree.NewG(16, extentLess),
	}

	names, err := store.List(ctx, d.prefix)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		e, ok := parseExtent(strings.TrimPrefix(name, d.prefix))
		if !ok {
			continue
		}
		d.index.ReplaceOrInsert(e)
	}
	return d, nil
}

func (d *BlobDevice) objectName(e extent) string {
	return fmt.Sprintf("%s%016x-%08x", d.prefix, e.offset, e.length)
}

func parseExtent(s string) (extent, bool) {
	off, length, ok := strings.Cut(s, "-")
	if !ok {
		return extent{}, false
	}
	o, err := strconv.ParseUint(off, 16, 64)
	if err != nil {
		return extent{}, false
	}
	l, err := strconv.ParseUint(length, 16, 32)
	if err != nil {
		return extent{}, false
	}
	return extent{offset: o, length: uint32(l)}, true
}

func encodeObject(raw []byte) ([]byte, error) {
	out := make([]byte, blobHeaderSize+lz4.CompressBlockBound(len(raw)))
	out[0] = codecRaw
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(raw)))
	binary.LittleEndian.PutUint64(out[5:13], highwayhash.Sum64(raw, hashKey))

	n, err := lz4.CompressBlock(raw, out[blobHeaderSize:], nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(raw) {
		return append(out[:blobHeaderSize], raw...), nil
	}
	out[0] = codecLZ4
	return out[:blobHeaderSize+n], nil
}

func decodeObject(obj []byte) ([]byte, error) {
	if len(obj) < blobHeaderSize {
		return nil, fmt.Errorf("%w: short object header", ErrCorrupt)
	}
	rawLen := binary.LittleEndian.Uint32(obj[1:5])
	sum := binary.LittleEndian.Uint64(obj[5:13])
	payload := obj[blobHeaderSize:]

	var raw []byte
	switch obj[0] {
	case codecRaw:
		raw = payload
	case codecLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		raw = raw[:n]
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, obj[0])
	}
	if uint32(len(raw)) != rawLen || highwayhash.Sum64(raw, hashKey) != sum {
		return nil, fmt.Errorf("%w: object checksum mismatch", ErrCorrupt)
	}
	return raw, nil
}

// WriteAsync uploads src[:length] as one object.
func (d *BlobDevice) WriteAsync(src []byte, dstOffset uint64, length uint32, cb IOCallback) {
	if d.closed.Load() {
		cb(ErrClosed, 0)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		e := extent{offset: dstOffset, length: length}
		obj, err := encodeObject(src[:length])
		if err == nil {
			err = d.store.Put(context.Background(), d.objectName(e), obj)
		}
		if err != nil {
			cb(err, 0)
			return
		}
		d.mu.Lock()
		d.index.ReplaceOrInsert(e)
		d.mu.Unlock()
		cb(nil, length)
	}()
}

// ReadAsync assembles the range from overlapping objects.
func (d *BlobDevice) ReadAsync(srcOffset uint64, dst []byte, length uint32, cb IOCallback) {
	if d.closed.Load() {
		cb(ErrClosed, 0)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.readRange(srcOffset, dst[:length])
		if err != nil {
			cb(err, 0)
			return
		}
		cb(nil, length)
	}()
}

func (d *BlobDevice) overlapping(start, end uint64) []extent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []extent
	// The object starting at or before start may reach into the range.
	d.index.DescendLessOrEqual(extent{offset: start}, func(e extent) bool {
		if e.offset+uint64(e.length) > start {
			out = append(out, e)
		}
		return false
	})
	d.index.AscendRange(extent{offset: start + 1}, extent{offset: end}, func(e extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (d *BlobDevice) readRange(start uint64, p []byte) error {
	clear(p)
	end := start + uint64(len(p))
	for _, e := range d.overlapping(start, end) {
		obj, err := d.store.Get(context.Background(), d.objectName(e))
		if err != nil {
			return err
		}
		raw, err := decodeObject(obj)
		if err != nil {
			return err
		}
		from := max(start, e.offset)
		to := min(end, e.offset+uint64(len(raw)))
		if from < to {
			copy(p[from-start:to-start], raw[from-e.offset:to-e.offset])
		}
	}
	return nil
}

// SectorSize returns the configured sector size.
func (d *BlobDevice) SectorSize() uint32 {
	return d.sectorSize
}

// FileSize returns the end of the last object. A BlobDevice has a single
// segment.
func (d *BlobDevice) FileSize(segment int) (int64, error) {
	if segment != 0 {
		return 0, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	last, ok := d.index.Max()
	if !ok {
		return 0, nil
	}
	return int64(last.offset + uint64(last.length)), nil
}

// Purge deletes every object of the device.
func (d *BlobDevice) Purge(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	d.index.Ascend(func(e extent) bool {
		errs = append(errs, d.store.Delete(ctx, d.objectName(e)))
		return true
	})
	d.index.Clear(false)
	return errors.Join(errs...)
}

// Close waits for outstanding operations.
func (d *BlobDevice) Close() error {
	d.closed.Store(true)
	d.wg.Wait()
	return nil
}
