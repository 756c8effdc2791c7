package epoch

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_ResumeSuspend(t *testing.T) {
	e := New(4)
	g, err := e.Register()
	require.NoError(t, err)

	assert.False(t, g.Protected())
	g.Resume()
	assert.True(t, g.Protected())
	g.Suspend()
	assert.False(t, g.Protected())
	g.Release()
}

func TestEpoch_TableFull(t *testing.T) {
	e := New(2)
	g1, err := e.Register()
	require.NoError(t, err)
	_, err = e.Register()
	require.NoError(t, err)

	_, err = e.Register()
	assert.ErrorIs(t, err, ErrTableFull)

	g1.Release()
	_, err = e.Register()
	assert.NoError(t, err)
}

func TestEpoch_DeferredActionWaitsForProtectedGuard(t *testing.T) {
	e := New(0)
	g, err := e.Register()
	require.NoError(t, err)
	g.Resume()

	var ran atomic.Bool
	e.BumpCurrentEpoch(func() { ran.Store(true) })
	assert.False(t, ran.Load(), "action must wait while an older epoch is protected")

	g.Refresh()
	assert.True(t, ran.Load())
	assert.GreaterOrEqual(t, e.SafeToReclaim(), uint64(1))
}

func TestEpoch_DeferredActionRunsWhenNobodyProtected(t *testing.T) {
	e := New(0)

	var ran atomic.Bool
	next := e.BumpCurrentEpoch(func() { ran.Store(true) })

	assert.Equal(t, uint64(2), next)
	assert.True(t, ran.Load())
}

func TestEpoch_SuspendDrains(t *testing.T) {
	e := New(0)
	g, err := e.Register()
	require.NoError(t, err)
	g.Resume()

	var count atomic.Int32
	e.BumpCurrentEpoch(func() { count.Add(1) })
	e.BumpCurrentEpoch(func() { count.Add(1) })
	assert.Equal(t, int32(0), count.Load())

	g.Suspend()
	assert.Equal(t, int32(2), count.Load())
}
