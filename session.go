package cprkv

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/cprkv/allocator"
	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/epoch"
	"github.com/hupe1980/cprkv/session"
)

// Session is a sequence of operations on a store whose serial numbers are
// recorded by every checkpoint. A Session must be used by one goroutine at
// a time.
type Session[T any] struct {
	store  *Store[T]
	guard  *epoch.Guard
	ctx    *session.ExecutionContext[int64, T, T, T]
	logger *Logger
	closed atomic.Bool
}

// NewSession opens a session. A non-empty name makes the session
// resumable with ResumeSession after recovery.
func (s *Store[T]) NewSession(name string) (*Session[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if name != "" && s.activeName(name) {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, name)
	}
	id := int(s.nextSessionID.Add(1) - 1)
	return s.openSession(id, name)
}

// ResumeSession reopens the named session of the last recovered checkpoint
// and returns it with the commit point it continues from. Operations with a
// serial number beyond the commit point, or listed as excluded, were lost.
func (s *Store[T]) ResumeSession(name string) (*Session[T], checkpoint.CommitPoint, error) {
	if s.closed.Load() {
		return nil, checkpoint.CommitPoint{}, ErrClosed
	}
	s.mu.Lock()
	id, ok := s.recovered.SessionNameMap[name]
	var commit checkpoint.SessionCommit
	if ok {
		commit = s.recovered.ContinueTokens[id]
	}
	s.mu.Unlock()
	if !ok {
		return nil, checkpoint.CommitPoint{}, fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if _, active := s.sessions.Load(id); active || s.activeName(name) {
		return nil, checkpoint.CommitPoint{}, fmt.Errorf("%w: %q", ErrSessionExists, name)
	}

	sess, err := s.openSession(id, name)
	if err != nil {
		return nil, checkpoint.CommitPoint{}, err
	}
	sess.ctx.RestoreCommitPoint(commit.Point)
	s.opts.metricsCollector.RecordSessionResumed()
	sess.logger.Info("session resumed",
		"until", commit.Point.UntilSerialNo,
		"excluded", len(commit.Point.ExcludedSerialNos),
	)
	return sess, commit.Point.Clone(), nil
}

func (s *Store[T]) activeName(name string) bool {
	found := false
	s.sessions.Range(func(_ int, sess *Session[T]) bool {
		found = sess.ctx.SessionName == name
		return !found
	})
	return found
}

func (s *Store[T]) openSession(id int, name string) (*Session[T], error) {
	g, err := s.ep.Register()
	if err != nil {
		return nil, err
	}
	ctx := session.NewExecutionContext[int64, T, T, T](id, name)
	ctx.SetVersion(s.version.Load())
	if s.fence.Load() != nil {
		ctx.SetPhase(session.PhaseInProgress)
	}

	sess := &Session[T]{
		store:  s,
		guard:  g,
		ctx:    ctx,
		logger: s.opts.logger.WithSession(id, name),
	}
	s.sessions.Store(id, sess)
	return sess, nil
}

// ID returns the session id.
func (s *Session[T]) ID() int { return s.ctx.SessionID }

// Name returns the session name.
func (s *Session[T]) Name() string { return s.ctx.SessionName }

// SerialNum returns the serial number of the last operation.
func (s *Session[T]) SerialNum() int64 { return s.ctx.SerialNum() }

// Version returns the checkpoint version the session operates in.
func (s *Session[T]) Version() int64 { return s.ctx.Version() }

// CommitPoint returns what a checkpoint taken now would record for the
// session.
func (s *Session[T]) CommitPoint() checkpoint.CommitPoint { return s.ctx.CommitPoint() }

// IsExcluded reports whether serial was in flight at the commit point the
// session was resumed from.
func (s *Session[T]) IsExcluded(serial int64) bool { return s.ctx.IsExcluded(serial) }

// Pending returns the number of deferred operations not yet completed.
func (s *Session[T]) Pending() int { return s.ctx.RetryCount() }

func (s *Session[T]) enter() error {
	if s.closed.Load() || s.store.closed.Load() {
		return ErrClosed
	}
	s.store.gate.RLock()
	if s.store.closed.Load() {
		s.store.gate.RUnlock()
		return ErrClosed
	}
	s.guard.Resume()
	return nil
}

func (s *Session[T]) exit() {
	s.guard.Suspend()
	s.store.gate.RUnlock()
}

// awaitFence waits, with the session suspended, while a checkpoint is
// writing the page that holds addr.
func (s *Session[T]) awaitFence(addr int64) error {
	for {
		f := s.store.fence.Load()
		if f == nil || addr >= f.below {
			return nil
		}
		s.guard.Suspend()
		s.store.gate.RUnlock()
		<-f.done
		s.store.gate.RLock()
		s.guard.Resume()
		if s.closed.Load() || s.store.closed.Load() {
			return ErrClosed
		}
	}
}

// write applies fn to addr once no checkpoint holds it back and marks its
// page for the next incremental checkpoint.
func (s *Session[T]) write(addr int64, fn func()) error {
	if err := s.awaitFence(addr); err != nil {
		return err
	}
	fn()
	s.store.markDirty(addr)
	return nil
}

func (s *Session[T]) valid(addr int64) error {
	if hw := s.store.dir.MaxValidAddress(); addr < 0 || addr >= hw {
		return &allocator.AddressError{Addr: addr, HighWater: hw}
	}
	return nil
}

// Allocate claims a record address and returns it with the serial number
// of the operation.
func (s *Session[T]) Allocate() (int64, int64, error) {
	if err := s.enter(); err != nil {
		return 0, 0, err
	}
	defer s.exit()

	addr := s.store.dir.Allocate()
	return addr, s.ctx.NextSerial(), nil
}

// Upsert stores v at addr and returns the serial number of the operation.
func (s *Session[T]) Upsert(addr int64, v T) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.exit()

	if err := s.valid(addr); err != nil {
		return 0, err
	}
	if err := s.write(addr, func() { s.store.dir.Set(addr, v) }); err != nil {
		return 0, err
	}
	return s.ctx.NextSerial(), nil
}

// Read returns the record at addr. Addresses beyond the high-water mark are
// reported as not found.
func (s *Session[T]) Read(addr int64) (T, session.Status, error) {
	var zero T
	if err := s.enter(); err != nil {
		return zero, session.NewStatus(session.Canceled, session.ProvenanceNone), err
	}
	defer s.exit()

	s.ctx.NextSerial()
	if s.valid(addr) != nil {
		return zero, session.NewStatus(session.NotFound, session.ProvenanceNone), nil
	}
	return s.store.dir.Get(addr), session.NewStatus(session.Found, session.ProvenanceNone), nil
}

// Delete clears the record at addr and frees the address.
func (s *Session[T]) Delete(addr int64) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.exit()

	if err := s.valid(addr); err != nil {
		return 0, err
	}
	if err := s.write(addr, func() { s.store.dir.Free(addr) }); err != nil {
		return 0, err
	}
	return s.ctx.NextSerial(), nil
}

// UpsertDeferred assigns a serial number to an upsert of v at addr without
// applying it. The operation stays in flight, and therefore excluded from
// checkpoint commit points, until CompletePending applies it.
func (s *Session[T]) UpsertDeferred(addr int64, v T) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.exit()

	serial := s.ctx.NextSerial()
	pc := &session.PendingContext[int64, T, T, T]{
		Type:      session.OpUpsert,
		Key:       session.Box(addr),
		Value:     session.Box(v),
		Version:   s.ctx.Version(),
		SerialNum: serial,
	}
	pc.SetFlags(s.ctx.ReadFlags, false, 0)
	s.ctx.AddRetry(pc)
	return serial, nil
}

// CompletePending applies every deferred operation and returns how many
// completed. Operations on invalid addresses complete with an error.
func (s *Session[T]) CompletePending() (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.exit()

	var failed []error
	n, err := s.ctx.CompletePending(func(pc *session.PendingContext[int64, T, T, T], ioErr error) session.OperationStatus {
		if ioErr != nil {
			failed = append(failed, ioErr)
			return session.NewOperationStatus(session.OpNotFound)
		}
		addr := *pc.Key.Get()
		if err := s.valid(addr); err != nil {
			failed = append(failed, fmt.Errorf("serial %d: %w", pc.SerialNum, err))
			return session.NewOperationStatus(session.OpNotFound)
		}
		var apply func()
		switch pc.Type {
		case session.OpUpsert:
			apply = func() { s.store.dir.Set(addr, *pc.Value.Get()) }
		case session.OpDelete:
			apply = func() { s.store.dir.Free(addr) }
		default:
			return session.NewOperationStatus(session.OpNotFound)
		}
		if err := s.write(addr, apply); err != nil {
			failed = append(failed, fmt.Errorf("serial %d: %w", pc.SerialNum, err))
			return session.NewOperationStatus(session.OpNotFound)
		}
		if pc.Type == session.OpUpsert {
			return session.NewOperationStatus(session.OpSuccess).WithProvenance(session.ProvenanceInPlaceUpdatedRecord)
		}
		return session.NewOperationStatus(session.OpSuccess)
	})
	if err != nil {
		failed = append(failed, err)
	}
	if len(failed) > 0 {
		return n, fmt.Errorf("cprkv: complete pending: %w", errors.Join(failed...))
	}
	return n, nil
}

// Close ends the session. Its commit point is no longer recorded by new
// checkpoints.
func (s *Session[T]) Close() error {
	if s.closed.Load() {
		return nil
	}
	s.store.sessions.Delete(s.ctx.SessionID)
	s.release()
	return nil
}

func (s *Session[T]) release() {
	if s.closed.Swap(true) {
		return
	}
	s.guard.Release()
}
