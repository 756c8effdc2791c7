package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// BlobPointerStore keeps pointers as small "version\nvalue" blobs. Swaps are
// serialized in-process only; use s3.CommitStore when several processes
// commit to the same store.
type BlobPointerStore struct {
	store BlobStore
	mu    sync.Mutex
}

// NewBlobPointerStore creates a pointer store on top of store.
func NewBlobPointerStore(store BlobStore) *BlobPointerStore {
	return &BlobPointerStore{store: store}
}

// LoadPointer reads the pointer blob.
func (p *BlobPointerStore) LoadPointer(ctx context.Context, name string) (uint64, string, error) {
	data, err := p.store.Get(ctx, name)
	if err != nil {
		return 0, "", err
	}
	version, value, ok := strings.Cut(string(data), "\n")
	if !ok {
		return 0, "", fmt.Errorf("blobstore: malformed pointer %q", name)
	}
	v, err := strconv.ParseUint(version, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("blobstore: malformed pointer %q: %w", name, err)
	}
	return v, value, nil
}

// SwapPointer replaces the pointer if its version is still expect.
func (p *BlobPointerStore) SwapPointer(ctx context.Context, name string, expect uint64, value string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, _, err := p.LoadPointer(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if current != expect {
		return current, ErrConflict
	}

	next := expect + 1
	if err := p.store.Put(ctx, name, []byte(strconv.FormatUint(next, 10)+"\n"+value)); err != nil {
		return current, err
	}
	return next, nil
}
