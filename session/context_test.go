package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/epoch"
)

type testCtx = ExecutionContext[string, []byte, int, int]
type testPending = PendingContext[string, []byte, int, int]

func newTestCtx() *testCtx {
	return NewExecutionContext[string, []byte, int, int](1, "s1")
}

func TestExecutionContextDefaults(t *testing.T) {
	c := newTestCtx()
	assert.Equal(t, PhaseRest, c.Phase())
	assert.False(t, c.InNewVersion())
	assert.True(t, c.HasNoPendingRequests())
	assert.Zero(t, c.SyncIOPendingCount())

	c.SetPhase(PhaseWaitFlush)
	assert.True(t, c.InNewVersion())

	c.SetMarker(PhasePrepare, true)
	assert.True(t, c.Marker(PhasePrepare))
	assert.False(t, c.Marker(PhaseRest))
}

func TestProcessSerialIsMonotonic(t *testing.T) {
	c := newTestCtx()
	require.NoError(t, c.ProcessSerial(5))
	require.NoError(t, c.ProcessSerial(5))
	assert.Equal(t, int64(6), c.NextSerial())
	assert.ErrorIs(t, c.ProcessSerial(3), ErrSerialRegression)
	assert.Equal(t, int64(6), c.SerialNum())
}

func TestPendingAccounting(t *testing.T) {
	c := newTestCtx()
	c.SetVersion(4)

	syncID := c.AddPending(&testPending{SerialNum: 1})
	asyncID := c.AddPending(&testPending{SerialNum: 2, Flags: OperationFlags{IsAsync: true}})
	assert.NotEqual(t, syncID, asyncID)
	assert.Equal(t, 2, c.PendingCount())
	assert.Equal(t, 1, c.SyncIOPendingCount())
	assert.False(t, c.HasNoPendingRequests())

	pc, ok := c.RemovePending(syncID)
	require.True(t, ok)
	assert.Equal(t, int64(4), pc.Version)
	assert.Zero(t, c.SyncIOPendingCount())

	// An async request still blocks HasNoPendingRequests.
	assert.False(t, c.HasNoPendingRequests())
	_, ok = c.RemovePending(asyncID)
	require.True(t, ok)
	assert.True(t, c.HasNoPendingRequests())
	assert.Equal(t, int64(2), c.TotalPending())

	_, ok = c.RemovePending(asyncID)
	assert.False(t, ok)
}

func TestCompletePending(t *testing.T) {
	c := newTestCtx()

	key := Box("k")
	id := c.AddPending(&testPending{Type: OpRead, Key: key, SerialNum: 1})
	c.AddRetry(&testPending{Type: OpUpsert, SerialNum: 2})
	c.AddRetry(&testPending{Type: OpRMW, SerialNum: 3})

	c.NotifyIOCompletion(id, nil)
	c.NotifyIOCompletion(99, nil)

	ioErr := errors.New("read failed")
	var seen []OperationType
	done, err := c.CompletePending(func(pc *testPending, err error) OperationStatus {
		seen = append(seen, pc.Type)
		switch pc.Type {
		case OpRMW:
			return NewOperationStatus(OpRetryLater)
		case OpRead:
			assert.NoError(t, err)
			return NewOperationStatus(OpSuccess)
		}
		return NewOperationStatus(OpSuccess)
	})
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, 2, done)
	assert.ElementsMatch(t, []OperationType{OpUpsert, OpRMW, OpRead}, seen)
	assert.Nil(t, key.Get())

	// The RMW was requeued once and is still excluded from the commit point.
	assert.Equal(t, 1, c.RetryCount())
	require.NoError(t, c.ProcessSerial(3))
	assert.Equal(t, checkpoint.CommitPoint{UntilSerialNo: 3, ExcludedSerialNos: []int64{3}}, c.CommitPoint())

	id = c.AddPending(&testPending{Type: OpRead, SerialNum: 4})
	c.NotifyIOCompletion(id, ioErr)
	done, err = c.CompletePending(func(pc *testPending, err error) OperationStatus {
		if pc.Type == OpRead {
			assert.ErrorIs(t, err, ioErr)
			return NewOperationStatus(OpNotFound)
		}
		return NewOperationStatus(OpSuccess)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.True(t, c.HasNoPendingRequests())
	assert.Equal(t, checkpoint.CommitPoint{UntilSerialNo: 3}, c.CommitPoint())
}

func TestCommitPointExcludesInflight(t *testing.T) {
	c := newTestCtx()
	for s := int64(1); s <= 10; s++ {
		require.NoError(t, c.ProcessSerial(s))
		if s == 4 || s == 7 {
			c.AddPending(&testPending{SerialNum: s})
		}
	}
	cp := c.CommitPoint()
	assert.Equal(t, int64(10), cp.UntilSerialNo)
	assert.Equal(t, []int64{4, 7}, cp.ExcludedSerialNos)
	assert.True(t, cp.IsDurable(5))
	assert.False(t, cp.IsDurable(7))
	assert.False(t, cp.IsDurable(11))
}

func TestRestoreCommitPoint(t *testing.T) {
	c := newTestCtx()
	c.RestoreCommitPoint(checkpoint.CommitPoint{UntilSerialNo: 42, ExcludedSerialNos: []int64{40, 41}})

	assert.Equal(t, int64(42), c.SerialNum())
	assert.True(t, c.IsExcluded(40))
	assert.False(t, c.IsExcluded(39))
	assert.False(t, c.IsExcluded(-1))
	assert.Equal(t, int64(43), c.NextSerial())
}

func TestWaitPendingSuspendsGuard(t *testing.T) {
	e := epoch.New(0)
	g, err := e.Register()
	require.NoError(t, err)
	defer g.Release()
	g.Resume()

	c := newTestCtx()
	id := c.AddPending(&testPending{SerialNum: 1})

	protectedWhileWaiting := make(chan bool, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		protectedWhileWaiting <- g.Protected()
		c.NotifyIOCompletion(id, nil)
	}()

	c.WaitPending(g)
	assert.False(t, <-protectedWhileWaiting)
	assert.True(t, g.Protected())
	assert.Equal(t, 1, c.ReadyCount())
}

func TestWaitPendingReturnsWithoutSyncRequests(t *testing.T) {
	c := newTestCtx()
	c.AddPending(&testPending{Flags: OperationFlags{IsAsync: true}})
	c.WaitPending(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.WaitPendingAsync(ctx))

	c.AddPending(&testPending{})
	assert.ErrorIs(t, c.WaitPendingAsync(ctx), context.Canceled)
}

func TestPendingContextDetach(t *testing.T) {
	key, input := Box("k"), Box(3)
	pc := &testPending{Key: key, Input: input, Value: Box([]byte("v"))}

	k := pc.DetachKey()
	assert.Same(t, key, k)
	assert.Nil(t, pc.Key)

	in := pc.DetachInput()
	assert.Equal(t, 3, *in.Get())

	pc.Dispose()
	assert.Equal(t, "k", *key.Get())
	assert.Equal(t, 3, *input.Get())
	assert.Nil(t, pc.Value)

	pc.SetFlags(ReadCopyReadsToTail, false, 0)
	assert.False(t, pc.HasMinAddress())
	pc.SetFlags(ReadFlagsNone, true, 128)
	assert.True(t, pc.HasMinAddress())
	assert.True(t, pc.Flags.NoKey)
}
