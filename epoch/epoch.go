// Package epoch implements lightweight epoch protection.
//
// A goroutine that touches shared structures which may be concurrently
// evicted or rewritten registers a Guard and brackets that work with
// Resume/Suspend. Structural changes are deferred with BumpCurrentEpoch:
// the supplied action runs only once every protected guard has observed a
// later epoch, i.e. no goroutine can still hold a reference from before
// the bump.
//
// A goroutine that is about to block for a long time must Suspend its guard
// first, otherwise it holds back the safe-to-reclaim epoch for everyone.
package epoch

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

// DefaultTableSize is the default number of concurrently registered guards.
const DefaultTableSize = 128

// ErrTableFull is returned by Register when every guard slot is taken.
var ErrTableFull = errors.New("epoch: guard table full")

type slot struct {
	local atomic.Uint64 // 0 = not protected
	owned atomic.Bool
	_     [48]byte // keep slots on separate cache lines
}

type deferred struct {
	epoch  uint64
	action func()
}

// Epoch is a shared epoch counter with a table of guard slots.
type Epoch struct {
	table   []slot
	current atomic.Uint64
	safe    atomic.Uint64

	mu      sync.Mutex
	drain   []deferred
	pending atomic.Int32
}

// New creates an epoch with tableSize guard slots (DefaultTableSize if <= 0).
func New(tableSize int) *Epoch {
	if tableSize <= 0 {
		tableSize = DefaultTableSize
	}
	e := &Epoch{table: make([]slot, tableSize)}
	e.current.Store(1)
	return e
}

// Register claims a guard slot. The guard starts suspended.
func (e *Epoch) Register() (*Guard, error) {
	for i := range e.table {
		if e.table[i].owned.CompareAndSwap(false, true) {
			return &Guard{e: e, slot: i}, nil
		}
	}
	return nil, ErrTableFull
}

// Current returns the current epoch.
func (e *Epoch) Current() uint64 {
	return e.current.Load()
}

// SafeToReclaim returns the highest epoch that no protected guard can still observe.
func (e *Epoch) SafeToReclaim() uint64 {
	return e.safe.Load()
}

// BumpCurrentEpoch advances the epoch and, if action is non-nil, defers it
// until every guard protected at the old epoch has moved on. It returns the
// new epoch. The action may run on any goroutine, including this one.
func (e *Epoch) BumpCurrentEpoch(action func()) uint64 {
	next := e.current.Add(1)
	if action != nil {
		e.mu.Lock()
		e.drain = append(e.drain, deferred{epoch: next - 1, action: action})
		e.mu.Unlock()
		e.pending.Add(1)
	}
	e.drainPending()
	return next
}

func (e *Epoch) computeSafeToReclaim() uint64 {
	oldest := uint64(math.MaxUint64)
	for i := range e.table {
		if v := e.table[i].local.Load(); v != 0 && v < oldest {
			oldest = v
		}
	}
	if oldest == math.MaxUint64 {
		oldest = e.current.Load()
	}
	safe := oldest - 1
	for {
		prev := e.safe.Load()
		if safe <= prev || e.safe.CompareAndSwap(prev, safe) {
			break
		}
	}
	return e.safe.Load()
}

func (e *Epoch) drainPending() {
	if e.pending.Load() == 0 {
		return
	}
	safe := e.computeSafeToReclaim()

	var ready []func()
	e.mu.Lock()
	kept := e.drain[:0]
	for _, d := range e.drain {
		if d.epoch <= safe {
			ready = append(ready, d.action)
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(e.drain); i++ {
		e.drain[i] = deferred{}
	}
	e.drain = kept
	e.mu.Unlock()

	e.pending.Add(-int32(len(ready)))
	for _, fn := range ready {
		fn()
	}
}

// Guard is one registered participant. A Guard must be used by one
// goroutine at a time.
type Guard struct {
	e    *Epoch
	slot int
}

// Resume marks the guard protected at the current epoch.
func (g *Guard) Resume() {
	g.e.table[g.slot].local.Store(g.e.current.Load())
}

// Suspend drops protection and runs any deferred actions that became safe.
func (g *Guard) Suspend() {
	g.e.table[g.slot].local.Store(0)
	g.e.drainPending()
}

// Refresh moves a protected guard to the current epoch.
func (g *Guard) Refresh() {
	g.e.table[g.slot].local.Store(g.e.current.Load())
	g.e.drainPending()
}

// Protected reports whether the guard currently holds protection.
func (g *Guard) Protected() bool {
	return g.e.table[g.slot].local.Load() != 0
}

// Epoch returns the epoch the guard is registered with.
func (g *Guard) Epoch() *Epoch {
	return g.e
}

// Release suspends the guard and returns its slot to the table.
func (g *Guard) Release() {
	g.Suspend()
	g.e.table[g.slot].owned.Store(false)
}
