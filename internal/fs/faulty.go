package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by faults that do not set their own.
var ErrInjected = errors.New("fs: injected fault")

// Fault defines the failure behavior for matching files.
type Fault struct {
	// FailWriteAt fails positional writes at offsets >= this value. -1 disables.
	FailWriteAt int64
	// FailReadAt fails positional reads at offsets >= this value. -1 disables.
	FailReadAt int64
	FailOnSync bool
	Err        error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// NoFault is a Fault that never fires.
var NoFault = Fault{FailWriteAt: -1, FailReadAt: -1}

// FaultyFS wraps a FileSystem and injects errors into files whose name
// contains a registered pattern.
type FaultyFS struct {
	FileSystem
	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaultyFS wraps fsys (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{FileSystem: fsys, rules: make(map[string]Fault)}
}

// AddRule registers a fault for files whose name contains pattern.
// Rules apply to files opened afterwards.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// OpenFile opens the file and attaches the matching fault, if any.
func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FileSystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault, matched := NoFault, false
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault, matched = rule, true
		}
	}
	f.mu.Unlock()

	if !matched {
		return file, nil
	}
	return &faultyFile{File: file, fault: fault}, nil
}

type faultyFile struct {
	File
	fault Fault
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if ff.fault.FailWriteAt >= 0 && off+int64(len(p)) > ff.fault.FailWriteAt {
		return 0, ff.fault.err()
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if ff.fault.FailReadAt >= 0 && off+int64(len(p)) > ff.fault.FailReadAt {
		return 0, ff.fault.err()
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	return ff.File.Sync()
}
