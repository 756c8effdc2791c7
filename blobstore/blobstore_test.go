package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s BlobStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "cpr/a/info.dat", []byte("one")))
	require.NoError(t, s.Put(ctx, "cpr/b/info.dat", []byte("two")))
	require.NoError(t, s.Put(ctx, "index/a/info.dat", []byte("three")))

	data, err := s.Get(ctx, "cpr/a/info.dat")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, s.Put(ctx, "cpr/a/info.dat", []byte("uno")))
	data, err = s.Get(ctx, "cpr/a/info.dat")
	require.NoError(t, err)
	assert.Equal(t, "uno", string(data))

	names, err := s.List(ctx, "cpr/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpr/a/info.dat", "cpr/b/info.dat"}, names)

	require.NoError(t, s.Delete(ctx, "cpr/a/info.dat"))
	require.NoError(t, s.Delete(ctx, "cpr/a/info.dat"))

	names, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpr/b/info.dat", "index/a/info.dat"}, names)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(t.TempDir()))
}

func TestBlobPointerStore(t *testing.T) {
	ctx := context.Background()
	p := NewBlobPointerStore(NewMemoryStore())

	_, _, err := p.LoadPointer(ctx, "LATEST")
	require.ErrorIs(t, err, ErrNotFound)

	v, err := p.SwapPointer(ctx, "LATEST", 0, "token-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = p.SwapPointer(ctx, "LATEST", 0, "token-2")
	require.ErrorIs(t, err, ErrConflict)

	v, err = p.SwapPointer(ctx, "LATEST", 1, "token-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, value, err := p.LoadPointer(ctx, "LATEST")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, "token-2", value)
}
