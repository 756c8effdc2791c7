package mmap

import "errors"

// AccessPattern provides hints to the kernel about how the memory will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects the memory to be accessed sequentially.
	AccessSequential
	// AccessRandom expects the memory to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects the memory to be accessed in the near future.
	AccessWillNeed
	// AccessDontNeed expects the memory to not be accessed in the near future.
	AccessDontNeed
)

var (
	// ErrClosed is returned when attempting to access a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for non-positive mapping sizes.
	ErrInvalidSize = errors.New("mmap: invalid size")
)
