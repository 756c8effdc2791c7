package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/hupe1980/cprkv/blobstore"
	"github.com/hupe1980/cprkv/device"
	"github.com/hupe1980/cprkv/internal/fs"
)

// DeviceFactory opens and removes the named devices of a manager.
// Names are slash separated.
type DeviceFactory interface {
	Open(ctx context.Context, name string) (device.Device, error)
	Remove(ctx context.Context, name string) error
}

// BlobDeviceFactory stores devices as objects in a BlobStore.
type BlobDeviceFactory struct {
	Store      blobstore.BlobStore
	SectorSize uint32
}

// Open opens a BlobDevice below name.
func (f BlobDeviceFactory) Open(ctx context.Context, name string) (device.Device, error) {
	return device.OpenBlobDevice(ctx, f.Store, name, f.SectorSize)
}

// Remove deletes every object of the device.
func (f BlobDeviceFactory) Remove(ctx context.Context, name string) error {
	names, err := f.Store.List(ctx, strings.TrimSuffix(name, "/")+"/")
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range names {
		errs = append(errs, f.Store.Delete(ctx, n))
	}
	return errors.Join(errs...)
}

// LocalDeviceFactory stores devices as segment files below Dir.
type LocalDeviceFactory struct {
	Dir     string
	FS      fs.FileSystem
	Options []device.LocalOption
}

func (f LocalDeviceFactory) fsys() fs.FileSystem {
	if f.FS != nil {
		return f.FS
	}
	return fs.Default
}

func (f LocalDeviceFactory) base(name string) string {
	return filepath.Join(f.Dir, filepath.FromSlash(name))
}

// Open opens a LocalDevice whose segments are "<Dir>/<name>.<n>".
func (f LocalDeviceFactory) Open(_ context.Context, name string) (device.Device, error) {
	opts := append([]device.LocalOption{device.WithFileSystem(f.fsys())}, f.Options...)
	return device.NewLocalDevice(f.base(name), opts...)
}

// Remove deletes the segment files of the device.
func (f LocalDeviceFactory) Remove(_ context.Context, name string) error {
	return fs.RemoveSegments(f.fsys(), f.base(name))
}
