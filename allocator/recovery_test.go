package allocator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cprkv/device"
)

func TestRecoveryPreallocatesBeforeReading(t *testing.T) {
	d, err := New[uint64]()
	require.NoError(t, err)
	defer d.Close()

	dev := newManualDevice(512)
	var pagesAtFirstRead int
	dev.onRead = func() {
		if pagesAtFirstRead == 0 {
			pagesAtFirstRead = d.PageCount()
		}
	}

	_, err = d.BeginRecovery(dev, 0, 100000, 100000*8)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, pagesAtFirstRead, 2)
	assert.Equal(t, int64(100000), d.MaxValidAddress())
	require.Len(t, dev.reads, 2)
	for _, r := range dev.reads {
		assert.Equal(t, uint32(65536*8), r.length, "every read covers a full page")
	}
	assert.Equal(t, uint64(65536*8), dev.reads[1].offset)

	assert.False(t, d.IsRecoveryCompleted(false))
	dev.completeRead(0, nil)
	dev.completeRead(1, errors.New("short read"))
	assert.True(t, d.IsRecoveryCompleted(false))
	assert.Equal(t, int64(1), d.FailedPages())
}

func TestRecoveryBytesRead(t *testing.T) {
	d, err := New[uint64](WithPageBits(4))
	require.NoError(t, err)
	defer d.Close()

	dev := newManualDevice(64)
	n, err := d.BeginRecovery(dev, 512, 40, 40*8)
	require.NoError(t, err)
	// Two full pages plus the record bytes of the trailing page.
	assert.Equal(t, uint64(128+128+8*8), n)
	require.Len(t, dev.reads, 3)
	assert.Equal(t, uint64(512+256), dev.reads[2].offset)
	assert.Equal(t, uint32(128), dev.reads[2].length)
}

func TestRecoveryRange(t *testing.T) {
	d, err := New[uint64](WithPageBits(4))
	require.NoError(t, err)
	defer d.Close()

	dev := newManualDevice(64)
	// 16 buckets leave pages 0 and 1; 64 records need four pages.
	_, err = d.BeginRecovery(dev, 0, 16, 64*8)
	assert.ErrorIs(t, err, ErrRecoveryRange)
	assert.Empty(t, dev.reads)
}

func TestRecoverAsyncCancellation(t *testing.T) {
	d, err := New[uint64](WithPageBits(4))
	require.NoError(t, err)
	defer d.Close()

	dev := newManualDevice(64)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = d.RecoverAsync(ctx, dev, 0, 16, 16*8)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned read still completes the recovery.
	dev.completeRead(0, nil)
	assert.True(t, d.IsRecoveryCompleted(true))
}

func TestRecoverFromLocalDevice(t *testing.T) {
	dev, err := device.NewLocalDevice(t.TempDir() + "/index")
	require.NoError(t, err)
	defer dev.Close()

	src, err := New[[4]uint32](WithPageBits(8))
	require.NoError(t, err)
	defer src.Close()
	for i := uint32(0); i < 300; i++ {
		a := src.Allocate()
		src.Set(a, [4]uint32{i, i + 1, i + 2, i + 3})
	}
	_, err = src.BeginCheckpoint(dev, 0)
	require.NoError(t, err)
	require.NoError(t, src.IsCheckpointCompletedAsync(context.Background()))

	dst, err := New[[4]uint32](WithPageBits(8))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Recover(dev, 0, 300, 300*16))
	require.True(t, dst.IsRecoveryCompleted(true))

	assert.Equal(t, [4]uint32{299, 300, 301, 302}, dst.Get(299))
	assert.Equal(t, [4]uint32{0, 1, 2, 3}, dst.Get(0))
}

func TestRecoveryClearsPastHighWater(t *testing.T) {
	src, err := New[uint64](WithPageBits(4))
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 20; i++ {
		src.Set(src.Allocate(), 7)
	}
	dev := device.NewMemoryDevice(64)
	defer dev.Close()
	ctx := context.Background()

	n, err := src.BeginCheckpoint(dev, 0)
	require.NoError(t, err)
	require.NoError(t, src.IsCheckpointCompletedAsync(ctx))

	// The sector aligned tail of the last page carries records 20..23.
	require.Equal(t, uint64(128+64), n)
	sector := dev.Bytes()[128:192]
	for i := 4 * 8; i < len(sector); i++ {
		sector[i] = 0xff
	}
	require.NoError(t, device.WriteSync(ctx, dev, sector, 128))

	dst, err := New[uint64](WithPageBits(4))
	require.NoError(t, err)
	defer dst.Close()

	_, err = dst.RecoverAsync(ctx, dev, 0, 20, n)
	require.NoError(t, err)
	assert.Equal(t, int64(20), dst.MaxValidAddress())
	assert.Equal(t, uint64(7), dst.Get(19))

	dst.Grow(24)
	for a := int64(20); a < 24; a++ {
		assert.Zero(t, dst.Get(a), "address %d", a)
	}
}
