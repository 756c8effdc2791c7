package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File is one open segment file. Devices address it only by offset, so it
// needs positional reads and writes but no seeking.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem is the set of file operations local devices and the local
// blob store perform. Segment files of a device are named "<base>.<n>".
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
}

// LocalFS implements FileSystem using the os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (LocalFS) Remove(name string) error                   { return os.Remove(name) }
func (LocalFS) RemoveAll(path string) error                { return os.RemoveAll(path) }
func (LocalFS) Rename(oldpath, newpath string) error       { return os.Rename(oldpath, newpath) }
func (LocalFS) Stat(name string) (os.FileInfo, error)      { return os.Stat(name) }
func (LocalFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }

func (LocalFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Default is the default local file system.
var Default FileSystem = LocalFS{}

// SegmentPath returns the file name of segment n of the device at base.
func SegmentPath(base string, n int) string {
	return base + "." + strconv.Itoa(n)
}

// OpenSegment opens segment n of the device at base for reading and
// writing, creating it if needed.
func OpenSegment(fsys FileSystem, base string, n int) (File, error) {
	return fsys.OpenFile(SegmentPath(base, n), os.O_CREATE|os.O_RDWR, 0o644)
}

// RemoveSegments deletes every segment file of the device at base. A
// missing directory is not an error.
func RemoveSegments(fsys FileSystem, base string) error {
	dir := filepath.Dir(base)
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	prefix := filepath.Base(base) + "."
	var errs []error
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(suffix); err != nil {
			continue
		}
		errs = append(errs, fsys.Remove(filepath.Join(dir, e.Name())))
	}
	return errors.Join(errs...)
}
