package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/epoch"
	"github.com/hupe1980/cprkv/internal/freelist"
)

var (
	// ErrSerialRegression is returned when a serial number does not advance.
	ErrSerialRegression = errors.New("session: serial number regression")
	// ErrUnknownRequest is returned for a completion of an unknown request id.
	ErrUnknownRequest = errors.New("session: unknown pending request")
)

// IOCompletion reports that the device read of a pending request finished.
type IOCompletion struct {
	ID  int64
	Err error
}

// CompletionHandler continues a pending or retried operation. err is the
// device error of an I/O completion and nil for retries. The returned status
// decides what happens next: a retry status requeues the context, a pending
// status keeps it owned by the handler, and anything else disposes it.
type CompletionHandler[K, V, I, O any] func(pc *PendingContext[K, V, I, O], err error) OperationStatus

// ExecutionContext is the bookkeeping of one session.
type ExecutionContext[K, V, I, O any] struct {
	SessionID   int
	SessionName string
	// ReadFlags override store-wide read options for this session.
	ReadFlags ReadFlags

	version   atomic.Int64
	serialNum atomic.Int64
	phase     atomic.Int32
	markers   [numPhases]atomic.Bool

	retry        *freelist.Queue[*PendingContext[K, V, I, O]]
	ioPending    *xsync.MapOf[int64, *PendingContext[K, V, I, O]]
	ready        *AsyncQueue[IOCompletion]
	nextID       atomic.Int64
	asyncPending atomic.Int64
	totalPending atomic.Int64

	// inflight holds the serial numbers of operations not yet completed.
	mu       sync.Mutex
	inflight *roaring64.Bitmap
	excluded *roaring64.Bitmap

	// PrevCtx is the context of the previous version while a checkpoint
	// moves the session forward.
	PrevCtx *ExecutionContext[K, V, I, O]
}

// NewExecutionContext creates the context of session id, starting at Rest.
func NewExecutionContext[K, V, I, O any](id int, name string) *ExecutionContext[K, V, I, O] {
	c := &ExecutionContext[K, V, I, O]{
		SessionID:   id,
		SessionName: name,
		retry:       freelist.New[*PendingContext[K, V, I, O]](),
		ioPending:   xsync.NewMapOf[int64, *PendingContext[K, V, I, O]](),
		ready:       NewAsyncQueue[IOCompletion](),
		inflight:    roaring64.New(),
		excluded:    roaring64.New(),
	}
	c.phase.Store(int32(PhaseRest))
	return c
}

// Version returns the checkpoint version the session operates in.
func (c *ExecutionContext[K, V, I, O]) Version() int64 { return c.version.Load() }

// SetVersion moves the session to version v.
func (c *ExecutionContext[K, V, I, O]) SetVersion(v int64) { c.version.Store(v) }

// Phase returns the checkpoint phase the session last observed.
func (c *ExecutionContext[K, V, I, O]) Phase() Phase { return Phase(c.phase.Load()) }

// SetPhase records that the session entered phase p.
func (c *ExecutionContext[K, V, I, O]) SetPhase(p Phase) { c.phase.Store(int32(p)) }

// SerialNum returns the last serial number assigned or processed.
func (c *ExecutionContext[K, V, I, O]) SerialNum() int64 { return c.serialNum.Load() }

// TotalPending returns how many requests ever went pending on I/O.
func (c *ExecutionContext[K, V, I, O]) TotalPending() int64 { return c.totalPending.Load() }

// RetryCount returns the number of contexts queued for retry.
func (c *ExecutionContext[K, V, I, O]) RetryCount() int { return c.retry.Len() }

// PendingCount returns the number of requests waiting for I/O, sync and
// async.
func (c *ExecutionContext[K, V, I, O]) PendingCount() int { return c.ioPending.Size() }

// ReadyCount returns the number of I/O completions not yet handled.
func (c *ExecutionContext[K, V, I, O]) ReadyCount() int { return c.ready.Count() }

// Marker reports whether the session has acknowledged phase p.
func (c *ExecutionContext[K, V, I, O]) Marker(p Phase) bool { return c.markers[p].Load() }

// SetMarker sets the acknowledgement of phase p.
func (c *ExecutionContext[K, V, I, O]) SetMarker(p Phase, v bool) { c.markers[p].Store(v) }

// InNewVersion reports whether a checkpoint has moved the session past
// Rest into the next version.
func (c *ExecutionContext[K, V, I, O]) InNewVersion() bool {
	return c.Phase() < PhaseRest
}

// NextSerial assigns the next serial number.
func (c *ExecutionContext[K, V, I, O]) NextSerial() int64 {
	return c.serialNum.Add(1)
}

// ProcessSerial records a caller-assigned serial number. Serial numbers
// must not decrease.
func (c *ExecutionContext[K, V, I, O]) ProcessSerial(serial int64) error {
	for {
		cur := c.serialNum.Load()
		if serial < cur {
			return fmt.Errorf("%w: %d after %d", ErrSerialRegression, serial, cur)
		}
		if c.serialNum.CompareAndSwap(cur, serial) {
			return nil
		}
	}
}

func (c *ExecutionContext[K, V, I, O]) track(serial int64) {
	if serial < 0 {
		return
	}
	c.mu.Lock()
	c.inflight.Add(uint64(serial))
	c.mu.Unlock()
}

func (c *ExecutionContext[K, V, I, O]) untrack(serial int64) {
	if serial < 0 {
		return
	}
	c.mu.Lock()
	c.inflight.Remove(uint64(serial))
	c.mu.Unlock()
}

// AddRetry queues pc to be attempted again by CompletePending.
func (c *ExecutionContext[K, V, I, O]) AddRetry(pc *PendingContext[K, V, I, O]) {
	c.track(pc.SerialNum)
	c.retry.Enqueue(pc)
}

// AddPending registers pc as waiting for I/O and returns its request id.
// Async requests are awaited by their issuer and do not count as sync
// pending.
func (c *ExecutionContext[K, V, I, O]) AddPending(pc *PendingContext[K, V, I, O]) int64 {
	pc.ID = c.nextID.Add(1)
	if pc.Version == 0 {
		pc.Version = c.Version()
	}
	c.track(pc.SerialNum)
	if pc.Flags.IsAsync {
		c.asyncPending.Add(1)
	}
	c.ioPending.Store(pc.ID, pc)
	c.totalPending.Add(1)
	return pc.ID
}

// RemovePending unregisters the request id.
func (c *ExecutionContext[K, V, I, O]) RemovePending(id int64) (*PendingContext[K, V, I, O], bool) {
	pc, ok := c.ioPending.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	if pc.Flags.IsAsync {
		c.asyncPending.Add(-1)
	}
	return pc, true
}

// NotifyIOCompletion hands the result of a device read to the session.
// It is safe to call from device callbacks.
func (c *ExecutionContext[K, V, I, O]) NotifyIOCompletion(id int64, err error) {
	c.ready.Enqueue(IOCompletion{ID: id, Err: err})
}

// SyncIOPendingCount returns the number of sync requests waiting for I/O.
func (c *ExecutionContext[K, V, I, O]) SyncIOPendingCount() int {
	return c.ioPending.Size() - int(c.asyncPending.Load())
}

// HasNoPendingRequests reports whether the retry queue and the pending map
// are both empty.
func (c *ExecutionContext[K, V, I, O]) HasNoPendingRequests() bool {
	return c.ioPending.Size() == 0 && c.retry.Len() == 0
}

// CompletePending drives the retry queue once and every ready I/O
// completion through handler. It returns how many contexts finished.
func (c *ExecutionContext[K, V, I, O]) CompletePending(handler CompletionHandler[K, V, I, O]) (int, error) {
	done := 0
	var errs []error

	for n := c.retry.Len(); n > 0; n-- {
		pc, ok := c.retry.TryDequeue()
		if !ok {
			break
		}
		if c.finish(pc, handler(pc, nil)) {
			done++
		}
	}

	for {
		r, ok := c.ready.TryDequeue()
		if !ok {
			break
		}
		pc, ok := c.RemovePending(r.ID)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %d", ErrUnknownRequest, r.ID))
			continue
		}
		if c.finish(pc, handler(pc, r.Err)) {
			done++
		}
	}
	return done, errors.Join(errs...)
}

func (c *ExecutionContext[K, V, I, O]) finish(pc *PendingContext[K, V, I, O], st OperationStatus) bool {
	switch {
	case st.IsRetry():
		c.retry.Enqueue(pc)
		return false
	case st.IsPending():
		return false
	}
	c.untrack(pc.SerialNum)
	pc.Dispose()
	return true
}

// WaitPending blocks until an I/O completion is ready if sync requests are
// outstanding. A protected guard is suspended while blocked.
func (c *ExecutionContext[K, V, I, O]) WaitPending(g *epoch.Guard) {
	if c.SyncIOPendingCount() <= 0 {
		return
	}
	if g != nil && g.Protected() {
		g.Suspend()
		defer g.Resume()
	}
	c.ready.WaitForEntry()
}

// WaitPendingAsync waits like WaitPending without holding a guard.
func (c *ExecutionContext[K, V, I, O]) WaitPendingAsync(ctx context.Context) error {
	if c.SyncIOPendingCount() <= 0 {
		return nil
	}
	return c.ready.WaitForEntryAsync(ctx)
}

// CommitPoint returns the durable point of the session: everything up to
// the current serial number except operations still in flight.
func (c *ExecutionContext[K, V, I, O]) CommitPoint() checkpoint.CommitPoint {
	until := c.SerialNum()

	c.mu.Lock()
	defer c.mu.Unlock()

	var excluded []int64
	it := c.inflight.Iterator()
	for it.HasNext() {
		s := int64(it.Next())
		if s > until {
			break
		}
		excluded = append(excluded, s)
	}
	return checkpoint.CommitPoint{UntilSerialNo: until, ExcludedSerialNos: excluded}
}

// RestoreCommitPoint resumes the session at cp. The excluded serial
// numbers are remembered so callers can ask IsExcluded.
func (c *ExecutionContext[K, V, I, O]) RestoreCommitPoint(cp checkpoint.CommitPoint) {
	c.serialNum.Store(cp.UntilSerialNo)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.excluded.Clear()
	for _, s := range cp.ExcludedSerialNos {
		if s >= 0 {
			c.excluded.Add(uint64(s))
		}
	}
}

// IsExcluded reports whether serial was in flight at the restored commit
// point and therefore must be treated as not applied.
func (c *ExecutionContext[K, V, I, O]) IsExcluded(serial int64) bool {
	if serial < 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.excluded.Contains(uint64(serial))
}
