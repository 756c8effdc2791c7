package allocator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is wrapped by every AddressError.
	ErrInvalidAddress = errors.New("allocator: invalid address")
	// ErrDirectoryFull is the panic value when all MaxPages pages are in use.
	ErrDirectoryFull = errors.New("allocator: page directory full")
	// ErrNotBlittable is returned when checkpointing a record type that
	// contains pointers.
	ErrNotBlittable = errors.New("allocator: record type contains pointers")
	// ErrRecoveryRange is returned when the bytes to recover span pages the
	// bucket preallocation did not create.
	ErrRecoveryRange = errors.New("allocator: recovery size exceeds preallocated pages")
	// ErrCheckpointInProgress is returned when a checkpoint is started before
	// the previous one completed.
	ErrCheckpointInProgress = errors.New("allocator: checkpoint in progress")
	// ErrSectorSize is returned when the device sector size does not divide
	// the page mapping.
	ErrSectorSize = errors.New("allocator: unsupported device sector size")
	// ErrMisalignedChunk is the panic value when BulkAllocate is mixed with
	// Allocate and a chunk would straddle a page boundary.
	ErrMisalignedChunk = errors.New("allocator: misaligned chunk")
)

// AddressError reports access to an address that was never allocated.
type AddressError struct {
	Addr      int64
	HighWater int64
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("allocator: address %d outside [0, %d)", e.Addr, e.HighWater)
}

func (e *AddressError) Unwrap() error {
	return ErrInvalidAddress
}
