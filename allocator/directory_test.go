package allocator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cprkv/internal/resource"
)

type bucket struct {
	Entries  [7]uint64
	Overflow uint64
}

func TestAllocateDense(t *testing.T) {
	d, err := New[uint64](WithPageBits(8))
	require.NoError(t, err)
	defer d.Close()

	for i := int64(0); i < 1000; i++ {
		assert.Equal(t, i, d.Allocate())
	}
	assert.Equal(t, int64(1000), d.MaxValidAddress())
	assert.Equal(t, 256, d.PageSize())
	assert.Equal(t, 8, d.RecordSize())
	// 1000 records fill pages 0..3; page 4 was created ahead.
	assert.Equal(t, 5, d.PageCount())
}

func TestAllocateConcurrentUnique(t *testing.T) {
	d, err := New[bucket](WithPageBits(6))
	require.NoError(t, err)
	defer d.Close()

	const workers, perWorker = 8, 2000
	results := make([][]int64, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				addr := d.Allocate()
				d.Set(addr, bucket{Overflow: uint64(addr)})
				results[w] = append(results[w], addr)
				// Recycle every tenth address.
				if i%10 == 9 {
					d.Free(addr)
					results[w] = results[w][:len(results[w])-1]
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{})
	for _, addrs := range results {
		for _, a := range addrs {
			_, dup := seen[a]
			require.False(t, dup, "address %d handed out twice", a)
			seen[a] = struct{}{}
			assert.Equal(t, uint64(a), d.Get(a).Overflow)
		}
	}
	assert.LessOrEqual(t, d.MaxValidAddress(), int64(workers*perWorker))
}

func TestFreeClearsRecord(t *testing.T) {
	d, err := New[bucket](WithPageBits(4))
	require.NoError(t, err)
	defer d.Close()

	a := d.Allocate()
	d.Set(a, bucket{Entries: [7]uint64{1, 2, 3}, Overflow: 9})
	d.Free(a)
	assert.Equal(t, bucket{}, d.Get(a))
	assert.Equal(t, 1, d.FreeCount())

	// The freed address is handed out again before new ones.
	assert.Equal(t, a, d.Allocate())
	assert.Equal(t, 0, d.FreeCount())
}

func TestRefAddressChecks(t *testing.T) {
	d, err := New[uint64]()
	require.NoError(t, err)
	defer d.Close()

	d.Allocate()
	assert.NotPanics(t, func() { d.Get(0) })

	for _, addr := range []int64{-1, 1, 1 << 20} {
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				ae, ok := r.(*AddressError)
				require.True(t, ok)
				assert.ErrorIs(t, ae, ErrInvalidAddress)
				assert.Equal(t, addr, ae.Addr)
			}()
			d.Get(addr)
		}()
	}
}

func TestNullSentinel(t *testing.T) {
	d, err := New[uint64](WithNullSentinel())
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, int64(AllocateChunkSize), d.MaxValidAddress())
	assert.Equal(t, int64(AllocateChunkSize), d.Allocate())
}

func TestBulkAllocate(t *testing.T) {
	d, err := New[uint32](WithPageBits(5))
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 10; i++ {
		assert.Equal(t, int64(i*AllocateChunkSize), d.BulkAllocate())
	}
	assert.Equal(t, int64(160), d.MaxValidAddress())
	d.Set(159, 7)
	assert.Equal(t, uint32(7), d.Get(159))
}

func TestBulkAllocateRejectsMisalignedChunk(t *testing.T) {
	d, err := New[uint32](WithPageBits(5))
	require.NoError(t, err)
	defer d.Close()

	d.Allocate()
	assert.PanicsWithError(t, "allocator: misaligned chunk: chunk at 1", func() {
		d.BulkAllocate()
	})
}

func TestNonBlittable(t *testing.T) {
	type withPointer struct {
		Name string
	}
	d, err := New[withPointer](WithPageBits(4))
	require.NoError(t, err)
	defer d.Close()
	assert.False(t, d.Blittable())

	a := d.Allocate()
	d.Set(a, withPointer{Name: "x"})
	assert.Equal(t, "x", d.Get(a).Name)
	d.Free(a)
	assert.Empty(t, d.Get(a).Name)

	_, err = d.BeginCheckpoint(newManualDevice(512), 0)
	assert.ErrorIs(t, err, ErrNotBlittable)
}

func TestBlittable(t *testing.T) {
	assert.True(t, isBlittable[bucket]())
	assert.True(t, isBlittable[[4]int16]())
	assert.False(t, isBlittable[[]byte]())
	assert.False(t, isBlittable[*int]())
	assert.False(t, isBlittable[struct{ M map[int]int }]())
}

func isBlittable[T any]() bool {
	d, err := New[T](WithPageBits(4))
	if err != nil {
		panic(err)
	}
	defer d.Close()
	return d.Blittable()
}

func TestTracksPageMemory(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	d, err := New[uint64](WithPageBits(10), WithResourceController(rc))
	require.NoError(t, err)

	assert.Positive(t, rc.MemoryUsage())
	before := rc.MemoryUsage()
	for i := 0; i < 1024; i++ {
		d.Allocate()
	}
	d.Allocate()
	assert.Greater(t, rc.MemoryUsage(), before)

	require.NoError(t, d.Close())
	assert.Zero(t, rc.MemoryUsage())
}
