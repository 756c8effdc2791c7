package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cprkv/blobstore"
	"github.com/hupe1980/cprkv/device"
)

func newManagers(t *testing.T) map[string]*BlobManager {
	t.Helper()
	ctx := context.Background()

	local, err := NewLocalManager(ctx, t.TempDir())
	require.NoError(t, err)
	mem, err := NewBlobManager(ctx, blobstore.NewMemoryStore(), WithDeviceFactory(BlobDeviceFactory{Store: blobstore.NewMemoryStore(), SectorSize: 512}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = local.Close()
		_ = mem.Close()
	})
	return map[string]*BlobManager{"local": local, "memory": mem}
}

func TestBlobManagerCommitAndRecover(t *testing.T) {
	for name, mgr := range newManagers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ser := TextSerializer{}

			var hlog HybridLogCheckpointInfo
			token := NewToken()
			require.NoError(t, hlog.Initialize(ctx, token, 3, mgr))
			hlog.Info.FinalLogicalAddress = 777
			hlog.Info.AddSession(1, "s1", CommitPoint{UntilSerialNo: 42, ExcludedSerialNos: []int64{40}})

			meta, err := ser.MarshalLog(&hlog.Info, []byte("c"))
			require.NoError(t, err)
			require.NoError(t, mgr.CommitLogCheckpoint(ctx, token, meta))

			var idx IndexCheckpointInfo
			require.NoError(t, idx.Initialize(ctx, token, 1024, mgr))
			require.NotNil(t, idx.Device)
			require.NoError(t, device.WriteSync(ctx, idx.Device, make([]byte, 512), 0))
			idx.Info.NumHTBytes = 512
			imeta, err := ser.MarshalIndex(&idx.Info)
			require.NoError(t, err)
			require.NoError(t, mgr.CommitIndexCheckpoint(ctx, token, imeta))

			var rec HybridLogCheckpointInfo
			cookie, err := rec.Recover(ctx, token, mgr, ser, false, 0)
			require.NoError(t, err)
			assert.Equal(t, []byte("c"), cookie)
			assert.Equal(t, int64(777), rec.Info.FinalLogicalAddress)
			assert.Equal(t, int64(42), rec.Info.ContinueTokens[1].Point.UntilSerialNo)
			assert.Nil(t, rec.DeltaLog, "no delta log without incremental checkpoints")

			var ridx IndexCheckpointInfo
			require.NoError(t, ridx.Recover(ctx, token, mgr, ser))
			assert.Equal(t, uint64(512), ridx.Info.NumHTBytes)
			assert.False(t, ridx.IsDefault())

			tokens, err := mgr.GetLogCheckpointTokens(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Token{token}, tokens)
		})
	}
}

func TestRecoverMissingMetadata(t *testing.T) {
	mgr := newManagers(t)["memory"]
	ctx := context.Background()
	token := MustParseToken("11111111-2222-3333-4444-555555555555")

	var info HybridLogRecoveryInfo
	_, err := info.Recover(ctx, token, mgr, TextSerializer{}, RecoverOptions{})
	require.ErrorIs(t, err, ErrMetadataNotFound)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindLog, cerr.Kind)
	assert.Equal(t, token, cerr.Token)
	assert.Contains(t, err.Error(), "invalid log commit metadata for ID 11111111-2222-3333-4444-555555555555")

	var idx IndexRecoveryInfo
	err = idx.Recover(ctx, token, mgr, TextSerializer{})
	assert.ErrorIs(t, err, ErrMetadataNotFound)
	assert.Contains(t, err.Error(), "invalid index commit metadata")
}

func TestRecoverCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	mgr, err := NewBlobManager(ctx, store)
	require.NoError(t, err)
	defer mgr.Close()

	info := sampleLogInfo()
	data, err := TextSerializer{}.MarshalLog(info, nil)
	require.NoError(t, err)
	data[0] = '9'
	require.NoError(t, mgr.CommitLogCheckpoint(ctx, info.Token, data))

	var out HybridLogRecoveryInfo
	_, err = out.Recover(ctx, info.Token, mgr, TextSerializer{}, RecoverOptions{})
	assert.ErrorIs(t, err, ErrInvalidVersion)
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
}

func TestTokensNewestFirstAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	mgr, err := NewBlobManager(ctx, store)
	require.NoError(t, err)
	var tokens []Token
	for i := 0; i < 3; i++ {
		tok := NewToken()
		tokens = append(tokens, tok)
		require.NoError(t, mgr.CommitLogCheckpoint(ctx, tok, []byte(fmt.Sprint(i))))
	}
	require.NoError(t, mgr.Close())

	mgr, err = NewBlobManager(ctx, store)
	require.NoError(t, err)
	defer mgr.Close()
	tok := NewToken()
	require.NoError(t, mgr.CommitLogCheckpoint(ctx, tok, []byte("3")))

	got, err := mgr.GetLogCheckpointTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Token{tok, tokens[2], tokens[1], tokens[0]}, got)

	latest, err := mgr.LatestLogToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, latest)

	require.NoError(t, mgr.Purge(ctx, tokens[1]))
	got, err = mgr.GetLogCheckpointTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Token{tok, tokens[2], tokens[0]}, got)
	meta, err := mgr.GetLogCheckpointMetadata(ctx, tokens[1], nil, false, 0)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestLatestLogTokenUsesPointerStore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	ps := blobstore.NewBlobPointerStore(blobstore.NewMemoryStore())

	mgr, err := NewBlobManager(ctx, store, WithPointerStore(ps))
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.LatestLogToken(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	a, b := NewToken(), NewToken()
	require.NoError(t, mgr.CommitLogCheckpoint(ctx, a, []byte("a")))
	require.NoError(t, mgr.CommitLogCheckpoint(ctx, b, []byte("b")))

	version, value, err := ps.LoadPointer(ctx, LatestLogPointer)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, b.String(), value)

	latest, err := mgr.LatestLogToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, latest)
}

func TestPurgeRemovesLocalDevices(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mgr, err := NewLocalManager(ctx, dir)
	require.NoError(t, err)
	defer mgr.Close()

	token := NewToken()
	dev, err := mgr.GetIndexDevice(ctx, token)
	require.NoError(t, err)
	require.NoError(t, device.WriteSync(ctx, dev, make([]byte, 512), 0))
	require.NoError(t, dev.Close())

	require.NoError(t, mgr.Purge(ctx, token))

	dev, err = mgr.GetIndexDevice(ctx, token)
	require.NoError(t, err)
	size, err := dev.FileSize(0)
	require.NoError(t, err)
	assert.Zero(t, size)
}
