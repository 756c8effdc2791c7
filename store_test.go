package cprkv

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cprkv/allocator"
	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/device"
	"github.com/hupe1980/cprkv/session"
)

type record [2]uint64

const testPageBits = 8

func newTestManager(t *testing.T, opts ...checkpoint.ManagerOption) *checkpoint.BlobManager {
	t.Helper()
	mgr, err := checkpoint.NewLocalManager(context.Background(), t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func newTestStore(t *testing.T, mgr checkpoint.Manager, opts ...Option) *Store[record] {
	t.Helper()
	opts = append([]Option{WithPageBits(testPageBits)}, opts...)
	st, err := Open[record](mgr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fill allocates n records holding their own address and returns the
// addresses.
func fill(t *testing.T, sess *Session[record], n int) []int64 {
	t.Helper()
	addrs := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		addr, _, err := sess.Allocate()
		require.NoError(t, err)
		_, err = sess.Upsert(addr, record{uint64(addr), uint64(i)})
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	return addrs
}

func TestCheckpointAndRecover(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr, WithCommitCookie(func() []byte { return []byte("cookie-1") }))
	sess, err := st.NewSession("writer")
	require.NoError(t, err)
	addrs := fill(t, sess, 300)
	serial := sess.SerialNum()

	token, err := st.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, st.LastCheckpoint())
	assert.Equal(t, int64(2), st.Version())
	assert.Equal(t, int64(2), sess.Version())

	restored := newTestStore(t, mgr)
	cookie, err := restored.Recover(ctx, checkpoint.NilToken)
	require.NoError(t, err)
	assert.Equal(t, []byte("cookie-1"), cookie)
	assert.Equal(t, int64(2), restored.Version())
	assert.Equal(t, token, restored.LastCheckpoint())

	for i, addr := range addrs {
		assert.Equal(t, record{uint64(addr), uint64(i)}, restored.Directory().Get(addr))
	}

	sessions := restored.RecoveredSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "writer", sessions[0].Name)
	assert.Equal(t, serial, sessions[0].Point.UntilSerialNo)

	resumed, cp, err := restored.ResumeSession("writer")
	require.NoError(t, err)
	assert.Equal(t, serial, cp.UntilSerialNo)
	assert.Empty(t, cp.ExcludedSerialNos)
	assert.Equal(t, serial, resumed.SerialNum())
	assert.Equal(t, sess.ID(), resumed.ID())

	v, status, err := resumed.Read(addrs[10])
	require.NoError(t, err)
	assert.True(t, status.Found())
	assert.Equal(t, record{uint64(addrs[10]), 10}, v)

	other, err := restored.NewSession("")
	require.NoError(t, err)
	assert.Greater(t, other.ID(), resumed.ID())
}

func TestRecoverExplicitToken(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr)
	sess, err := st.NewSession("s")
	require.NoError(t, err)
	addrs := fill(t, sess, 20)

	first, err := st.Checkpoint(ctx)
	require.NoError(t, err)
	_, err = sess.Upsert(addrs[0], record{42, 42})
	require.NoError(t, err)
	_, err = st.Checkpoint(ctx)
	require.NoError(t, err)

	restored := newTestStore(t, mgr)
	_, err = restored.Recover(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, record{uint64(addrs[0]), 0}, restored.Directory().Get(addrs[0]))

	latest := newTestStore(t, mgr)
	_, err = latest.Recover(ctx, checkpoint.NilToken)
	require.NoError(t, err)
	assert.Equal(t, record{42, 42}, latest.Directory().Get(addrs[0]))
}

func TestCheckpointExcludesDeferredOperations(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr)
	sess, err := st.NewSession("writer")
	require.NoError(t, err)
	addrs := fill(t, sess, 4)

	deferred, err := sess.UpsertDeferred(addrs[1], record{7, 7})
	require.NoError(t, err)
	_, err = sess.Upsert(addrs[2], record{8, 8})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Pending())

	cp := sess.CommitPoint()
	assert.Equal(t, sess.SerialNum(), cp.UntilSerialNo)
	assert.Equal(t, []int64{deferred}, cp.ExcludedSerialNos)

	_, err = st.Checkpoint(ctx)
	require.NoError(t, err)

	n, err := sess.CompletePending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, record{7, 7}, st.Directory().Get(addrs[1]))
	assert.Empty(t, sess.CommitPoint().ExcludedSerialNos)

	restored := newTestStore(t, mgr)
	_, err = restored.Recover(ctx, checkpoint.NilToken)
	require.NoError(t, err)
	assert.Equal(t, record{uint64(addrs[1]), 1}, restored.Directory().Get(addrs[1]))
	assert.Equal(t, record{8, 8}, restored.Directory().Get(addrs[2]))

	resumed, rcp, err := restored.ResumeSession("writer")
	require.NoError(t, err)
	assert.Equal(t, []int64{deferred}, rcp.ExcludedSerialNos)
	assert.True(t, resumed.IsExcluded(deferred))
	assert.False(t, resumed.IsExcluded(deferred+1))
}

func TestCompletePendingInvalidAddress(t *testing.T) {
	st := newTestStore(t, newTestManager(t))
	sess, err := st.NewSession("")
	require.NoError(t, err)

	_, err = sess.UpsertDeferred(1<<20, record{1, 1})
	require.NoError(t, err)
	n, err := sess.CompletePending()
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, sess.Pending())
}

func TestIncrementalCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr)
	_, err := st.CheckpointIncremental(ctx)
	require.ErrorIs(t, err, ErrNotRecovered)

	sess, err := st.NewSession("writer")
	require.NoError(t, err)
	addrs := fill(t, sess, 10)
	base, err := st.Checkpoint(ctx)
	require.NoError(t, err)
	baseSerial := sess.SerialNum()

	v2Addrs := fill(t, sess, 5)
	_, err = sess.Upsert(addrs[0], record{100, 2})
	require.NoError(t, err)
	v2, err := st.CheckpointIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)
	v2Serial := sess.SerialNum()

	v3Addrs := fill(t, sess, 5)
	_, err = sess.Upsert(addrs[0], record{100, 3})
	require.NoError(t, err)
	_, err = sess.Delete(addrs[1])
	require.NoError(t, err)
	v3, err := st.CheckpointIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v3)
	assert.Equal(t, base, st.LastCheckpoint())

	tests := []struct {
		name      string
		opts      []RecoverOption
		version   int64
		serial    int64
		highWater int64
		first     record
		second    record
	}{
		{"base", nil, 1, baseSerial, 26, record{uint64(addrs[0]), 0}, record{uint64(addrs[1]), 1}},
		{"latest", []RecoverOption{WithDeltaScan()}, 3, sess.SerialNum(), 36, record{100, 3}, record{}},
		{"bounded", []RecoverOption{WithRecoverTo(2)}, 2, v2Serial, 31, record{100, 2}, record{uint64(addrs[1]), 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restored := newTestStore(t, mgr)
			_, err := restored.Recover(ctx, base, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.version, restored.RecoveredVersion())
			assert.Equal(t, int64(4), restored.Version(), "versions continue past every delta")

			_, cp, err := restored.ResumeSession("writer")
			require.NoError(t, err)
			assert.Equal(t, tt.serial, cp.UntilSerialNo)

			dir := restored.Directory()
			require.Equal(t, tt.highWater, dir.MaxValidAddress())
			assert.Equal(t, tt.first, dir.Get(addrs[0]))
			assert.Equal(t, tt.second, dir.Get(addrs[1]))
			for i, a := range append(v2Addrs, v3Addrs...) {
				if a < tt.highWater {
					assert.Equal(t, record{uint64(a), uint64(i % 5)}, dir.Get(a), "address %d", a)
				}
			}
		})
	}
}

func TestIncrementalCheckpointAfterRewind(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr)
	sess, err := st.NewSession("writer")
	require.NoError(t, err)
	addrs := fill(t, sess, 4)
	base, err := st.Checkpoint(ctx)
	require.NoError(t, err)

	for i, v := range []uint64{2, 3} {
		_, err = sess.Upsert(addrs[i], record{v, v})
		require.NoError(t, err)
		_, err = st.CheckpointIncremental(ctx)
		require.NoError(t, err)
	}

	// Rewind to version 2 and continue from there.
	rewound := newTestStore(t, mgr)
	_, err = rewound.Recover(ctx, base, WithRecoverTo(2))
	require.NoError(t, err)
	resumed, _, err := rewound.ResumeSession("writer")
	require.NoError(t, err)
	_, err = resumed.Upsert(addrs[2], record{4, 4})
	require.NoError(t, err)
	v, err := rewound.CheckpointIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	latest := newTestStore(t, mgr)
	_, err = latest.Recover(ctx, base, WithDeltaScan())
	require.NoError(t, err)
	dir := latest.Directory()
	assert.Equal(t, record{2, 2}, dir.Get(addrs[0]))
	assert.Equal(t, record{uint64(addrs[1]), 1}, dir.Get(addrs[1]), "version 3 is not on the recovered branch")
	assert.Equal(t, record{4, 4}, dir.Get(addrs[2]))
}

// hookFactory opens local devices whose first index page write is handed
// to onIndexWrite, which must eventually call write.
type hookFactory struct {
	checkpoint.LocalDeviceFactory
	once         *sync.Once
	onIndexWrite func(write func())
}

func (f hookFactory) Open(ctx context.Context, name string) (device.Device, error) {
	dev, err := f.LocalDeviceFactory.Open(ctx, name)
	if err != nil || path.Base(name) != "ht" {
		return dev, err
	}
	return hookDevice{Device: dev, once: f.once, onWrite: f.onIndexWrite}, nil
}

type hookDevice struct {
	device.Device
	once    *sync.Once
	onWrite func(write func())
}

func (d hookDevice) WriteAsync(src []byte, dstOffset uint64, length uint32, cb device.IOCallback) {
	hooked := false
	d.once.Do(func() {
		hooked = true
		d.onWrite(func() { d.Device.WriteAsync(src, dstOffset, length, cb) })
	})
	if !hooked {
		d.Device.WriteAsync(src, dstOffset, length, cb)
	}
}

// commitHookManager runs beforeIndexCommit ahead of the index commit.
type commitHookManager struct {
	checkpoint.Manager
	beforeIndexCommit func()
}

func (m *commitHookManager) CommitIndexCheckpoint(ctx context.Context, token checkpoint.Token, metadata []byte) error {
	if m.beforeIndexCommit != nil {
		m.beforeIndexCommit()
		m.beforeIndexCommit = nil
	}
	return m.Manager.CommitIndexCheckpoint(ctx, token, metadata)
}

func TestCheckpointIsolatesConcurrentWrites(t *testing.T) {
	ctx := context.Background()

	var (
		writer, other *Session[record]
		addrs         []int64
		lateSerial    int64
		fencedSerial  = make(chan int64, 1)
		wroteEarly    atomic.Bool
	)
	mgr := &commitHookManager{
		Manager: newTestManager(t, checkpoint.WithDeviceFactory(hookFactory{
			LocalDeviceFactory: checkpoint.LocalDeviceFactory{Dir: t.TempDir()},
			once:               &sync.Once{},
			onIndexWrite: func(write func()) {
				go func() {
					done := make(chan struct{})
					go func() {
						defer close(done)
						serial, err := other.Upsert(addrs[1], record{777, 777})
						assert.NoError(t, err)
						fencedSerial <- serial
					}()
					select {
					case <-done:
						wroteEarly.Store(true)
					case <-time.After(20 * time.Millisecond):
					}
					write()
				}()
			},
		})),
		beforeIndexCommit: func() {
			var err error
			lateSerial, err = writer.Upsert(addrs[0], record{999, 999})
			assert.NoError(t, err)
		},
	}

	st := newTestStore(t, mgr)
	var err error
	writer, err = st.NewSession("writer")
	require.NoError(t, err)
	other, err = st.NewSession("other")
	require.NoError(t, err)
	addrs = fill(t, writer, 20)
	_, _, err = other.Read(addrs[0])
	require.NoError(t, err)
	writerSerial, otherSerial := writer.SerialNum(), other.SerialNum()

	token, err := st.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, wroteEarly.Load(), "write below the snapshot finished before the pages were written")
	assert.Greater(t, lateSerial, writerSerial)
	assert.Greater(t, <-fencedSerial, otherSerial)
	assert.Equal(t, record{999, 999}, st.Directory().Get(addrs[0]))
	assert.Equal(t, record{777, 777}, st.Directory().Get(addrs[1]))

	restored := newTestStore(t, mgr)
	_, err = restored.Recover(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, record{uint64(addrs[0]), 0}, restored.Directory().Get(addrs[0]))
	assert.Equal(t, record{uint64(addrs[1]), 1}, restored.Directory().Get(addrs[1]))

	points := map[string]int64{}
	for _, rs := range restored.RecoveredSessions() {
		points[rs.Name] = rs.Point.UntilSerialNo
	}
	assert.Equal(t, map[string]int64{"writer": writerSerial, "other": otherSerial}, points)
}

func TestCheckpointConcurrentAllocation(t *testing.T) {
	ctx := context.Background()

	var (
		loader *Session[record]
		live   atomic.Int64
	)
	mgr := newTestManager(t, checkpoint.WithDeviceFactory(hookFactory{
		LocalDeviceFactory: checkpoint.LocalDeviceFactory{Dir: t.TempDir()},
		once:               &sync.Once{},
		onIndexWrite: func(write func()) {
			go func() {
				for i := 0; i < 300; i++ {
					_, _, err := loader.Allocate()
					assert.NoError(t, err)
				}
				live.Store(loader.SerialNum())
				write()
			}()
		},
	}))

	st := newTestStore(t, mgr)
	var err error
	loader, err = st.NewSession("loader")
	require.NoError(t, err)
	fill(t, loader, 20)
	snapshot := st.Directory().MaxValidAddress()
	serial := loader.SerialNum()

	token, err := st.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot+300, st.Directory().MaxValidAddress())
	assert.Equal(t, serial+300, live.Load())

	restored := newTestStore(t, mgr)
	_, err = restored.Recover(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, snapshot, restored.Directory().MaxValidAddress())
	_, cp, err := restored.ResumeSession("loader")
	require.NoError(t, err)
	assert.Equal(t, serial, cp.UntilSerialNo)

	// The slots allocated during the checkpoint are handed out again.
	sess, err := restored.NewSession("")
	require.NoError(t, err)
	addr, _, err := sess.Allocate()
	require.NoError(t, err)
	assert.Equal(t, snapshot, addr)
	assert.Equal(t, record{}, restored.Directory().Get(addr))
}

type faultyFactory struct {
	checkpoint.LocalDeviceFactory
	writes device.FaultRule
}

func (f faultyFactory) Open(ctx context.Context, name string) (device.Device, error) {
	dev, err := f.LocalDeviceFactory.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	faulty := device.NewFaulty(dev)
	if f.writes != nil {
		faulty.FailWrites(f.writes)
	}
	return faulty, nil
}

func TestCheckpointPageWriteFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mgr := newTestManager(t, checkpoint.WithDeviceFactory(faultyFactory{
		LocalDeviceFactory: checkpoint.LocalDeviceFactory{Dir: dir},
		writes:             device.AtOffset(0),
	}))
	metrics := &BasicMetricsCollector{}

	st := newTestStore(t, mgr, WithMetricsCollector(metrics))
	sess, err := st.NewSession("")
	require.NoError(t, err)
	fill(t, sess, 50)

	_, err = st.Checkpoint(ctx)
	require.ErrorIs(t, err, ErrPageIO)
	var cerr *CheckpointError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "checkpoint", cerr.Op)

	tokens, err := mgr.GetLogCheckpointTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, tokens)
	assert.Equal(t, int64(1), st.Version())

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.CheckpointCount)
	assert.Equal(t, int64(1), stats.CheckpointErrors)
	assert.Equal(t, int64(1), stats.PageWriteErrors)
}

func TestRecoverRejectsOtherPageSize(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr)
	sess, err := st.NewSession("")
	require.NoError(t, err)
	fill(t, sess, 10)
	_, err = st.Checkpoint(ctx)
	require.NoError(t, err)

	other := newTestStore(t, mgr, WithPageBits(testPageBits+1))
	_, err = other.Recover(ctx, checkpoint.NilToken)
	require.ErrorIs(t, err, ErrIncompatibleCheckpoint)
}

func TestRecoverErrors(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	metrics := &BasicMetricsCollector{}
	st := newTestStore(t, mgr, WithMetricsCollector(metrics))

	_, err := st.Recover(ctx, checkpoint.NilToken)
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	_, err = st.Recover(ctx, checkpoint.NewToken())
	require.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.Equal(t, int64(1), metrics.GetStats().RecoveryErrors)

	sess, err := st.NewSession("busy")
	require.NoError(t, err)
	_, err = st.Recover(ctx, checkpoint.NilToken)
	require.ErrorIs(t, err, ErrSessionsActive)

	require.NoError(t, sess.Close())
	_, _, err = st.ResumeSession("busy")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestSessionNames(t *testing.T) {
	st := newTestStore(t, newTestManager(t))

	a, err := st.NewSession("a")
	require.NoError(t, err)
	_, err = st.NewSession("a")
	require.ErrorIs(t, err, ErrSessionExists)

	anon1, err := st.NewSession("")
	require.NoError(t, err)
	anon2, err := st.NewSession("")
	require.NoError(t, err)
	assert.NotEqual(t, anon1.ID(), anon2.ID())

	require.NoError(t, a.Close())
	_, err = st.NewSession("a")
	require.NoError(t, err)
}

func TestSessionOperations(t *testing.T) {
	st := newTestStore(t, newTestManager(t))
	sess, err := st.NewSession("ops")
	require.NoError(t, err)

	addr, s1, err := sess.Allocate()
	require.NoError(t, err)
	assert.Equal(t, int64(1), s1)

	s2, err := sess.Upsert(addr, record{1, 2})
	require.NoError(t, err)
	assert.Equal(t, s1+1, s2)

	_, err = sess.Upsert(addr+1000, record{})
	var aerr *allocator.AddressError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, addr+1000, aerr.Addr)

	_, status, err := sess.Read(addr + 1000)
	require.NoError(t, err)
	assert.True(t, status.NotFound())

	_, err = sess.Delete(addr)
	require.NoError(t, err)
	v, status, err := sess.Read(addr)
	require.NoError(t, err)
	assert.True(t, status.Found())
	assert.Equal(t, record{}, v)

	require.NoError(t, sess.Close())
	_, _, err = sess.Allocate()
	require.ErrorIs(t, err, ErrClosed)
	_, status, err = sess.Read(addr)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, session.Canceled, status.Code())
}

func TestCloseReleasesSessions(t *testing.T) {
	st, err := Open[record](newTestManager(t), WithPageBits(testPageBits), WithEpochTableSize(1))
	require.NoError(t, err)

	sess, err := st.NewSession("")
	require.NoError(t, err)
	_, err = st.NewSession("")
	require.Error(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	_, _, err = sess.Allocate()
	require.ErrorIs(t, err, ErrClosed)
	_, err = st.Checkpoint(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCheckpointWithResourceLimits(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	st := newTestStore(t, mgr, WithResourceLimits(ResourceConfig{MaxInflightIO: 2}))
	sess, err := st.NewSession("")
	require.NoError(t, err)
	addrs := fill(t, sess, 1000)
	_, err = st.Checkpoint(ctx)
	require.NoError(t, err)

	restored := newTestStore(t, mgr, WithResourceLimits(ResourceConfig{MaxInflightIO: 1}))
	_, err = restored.Recover(ctx, checkpoint.NilToken)
	require.NoError(t, err)
	last := addrs[len(addrs)-1]
	assert.Equal(t, record{uint64(last), 999}, restored.Directory().Get(last))
}
