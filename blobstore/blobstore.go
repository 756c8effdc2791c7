package blobstore

import (
	"context"
	"errors"
	"os"
)

var (
	// ErrNotFound is returned when a blob or pointer does not exist.
	// It maps to os.ErrNotExist so errors.Is works with filesystem errors.
	ErrNotFound = os.ErrNotExist

	// ErrConflict is returned by PointerStore.SwapPointer when the stored
	// version does not match the expected one.
	ErrConflict = errors.New("blobstore: concurrent pointer modification")
)

// BlobStore reads and writes whole immutable blobs.
type BlobStore interface {
	// Get returns the content of a blob.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put writes a blob atomically, replacing any existing one.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PointerStore keeps small named values with optimistic versioning.
type PointerStore interface {
	// LoadPointer returns the current version and value of name,
	// or ErrNotFound if it was never set.
	LoadPointer(ctx context.Context, name string) (version uint64, value string, err error)
	// SwapPointer stores value as version expect+1 if the current version
	// is expect (0 for a pointer that does not exist yet).
	SwapPointer(ctx context.Context, name string, expect uint64, value string) (uint64, error)
}
