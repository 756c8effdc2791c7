package device

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/cprkv/internal/fs"
)

// DefaultSegmentSize is the size of one segment file of a LocalDevice.
const DefaultSegmentSize = 1 << 30

// LocalOption configures a LocalDevice.
type LocalOption func(*LocalDevice)

// WithSegmentSize sets the segment file size. It must be a multiple of the
// sector size.
func WithSegmentSize(n int64) LocalOption {
	return func(d *LocalDevice) { d.segmentSize = n }
}

// WithSectorSize sets the device sector size.
func WithSectorSize(n uint32) LocalOption {
	return func(d *LocalDevice) { d.sectorSize = n }
}

// WithFileSystem replaces the file system, e.g. with fs.FaultyFS in tests.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(d *LocalDevice) { d.fsys = fsys }
}

// LocalDevice stores data in segment files "<base>.<n>".
type LocalDevice struct {
	base        string
	fsys        fs.FileSystem
	segmentSize int64
	sectorSize  uint32

	mu     sync.Mutex
	files  map[int]fs.File
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewLocalDevice creates a device whose segment files share the path prefix
// base. The parent directory is created if needed.
func NewLocalDevice(base string, opts ...LocalOption) (*LocalDevice, error) {
	d := &LocalDevice{
		base:        base,
		fsys:        fs.Default,
		segmentSize: DefaultSegmentSize,
		sectorSize:  DefaultSectorSize,
		files:       make(map[int]fs.File),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.segmentSize <= 0 || d.segmentSize%int64(d.sectorSize) != 0 {
		return nil, fmt.Errorf("device: segment size %d is not a positive multiple of sector size %d", d.segmentSize, d.sectorSize)
	}
	if err := d.fsys.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *LocalDevice) file(segment int) (fs.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[segment]; ok {
		return f, nil
	}
	f, err := fs.OpenSegment(d.fsys, d.base, segment)
	if err != nil {
		return nil, err
	}
	d.files[segment] = f
	return f, nil
}

// WriteAsync writes on a new goroutine, splitting at segment boundaries.
func (d *LocalDevice) WriteAsync(src []byte, dstOffset uint64, length uint32, cb IOCallback) {
	if d.closed.Load() {
		cb(ErrClosed, 0)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		n, err := d.span(dstOffset, src[:length], func(f fs.File, p []byte, off int64) (int, error) {
			return f.WriteAt(p, off)
		})
		cb(err, uint32(n))
	}()
}

// ReadAsync reads on a new goroutine. Data past the end of a segment file
// reads as zeros.
func (d *LocalDevice) ReadAsync(srcOffset uint64, dst []byte, length uint32, cb IOCallback) {
	if d.closed.Load() {
		cb(ErrClosed, 0)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		n, err := d.span(srcOffset, dst[:length], func(f fs.File, p []byte, off int64) (int, error) {
			n, err := f.ReadAt(p, off)
			if errors.Is(err, io.EOF) {
				clear(p[n:])
				return len(p), nil
			}
			return n, err
		})
		cb(err, uint32(n))
	}()
}

func (d *LocalDevice) span(offset uint64, p []byte, op func(fs.File, []byte, int64) (int, error)) (int, error) {
	total := 0
	for len(p) > 0 {
		segment := int(int64(offset) / d.segmentSize)
		segOff := int64(offset) % d.segmentSize
		chunk := int64(len(p))
		if rest := d.segmentSize - segOff; chunk > rest {
			chunk = rest
		}

		f, err := d.file(segment)
		if err != nil {
			return total, err
		}
		n, err := op(f, p[:chunk], segOff)
		total += n
		if err != nil {
			return total, err
		}
		p = p[chunk:]
		offset += uint64(chunk)
	}
	return total, nil
}

// SectorSize returns the configured sector size.
func (d *LocalDevice) SectorSize() uint32 {
	return d.sectorSize
}

// FileSize returns the size of a segment file, 0 if it does not exist.
func (d *LocalDevice) FileSize(segment int) (int64, error) {
	info, err := d.fsys.Stat(fs.SegmentPath(d.base, segment))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Sync flushes all open segment files.
func (d *LocalDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, f := range d.files {
		errs = append(errs, f.Sync())
	}
	return errors.Join(errs...)
}

// Close waits for outstanding I/O, syncs and closes all segment files.
func (d *LocalDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for seg, f := range d.files {
		errs = append(errs, f.Sync(), f.Close())
		delete(d.files, seg)
	}
	return errors.Join(errs...)
}
