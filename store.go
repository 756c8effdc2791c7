package cprkv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cprkv/allocator"
	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/device"
	"github.com/hupe1980/cprkv/epoch"
	"github.com/hupe1980/cprkv/internal/conv"
	"github.com/hupe1980/cprkv/internal/resource"
	"github.com/hupe1980/cprkv/session"
)

// Store ties a PageDirectory of records to a checkpoint manager and the
// sessions that mutate it.
//
// Checkpoints run while sessions keep working. The high-water mark, the
// commit point of every session and the commit cookie are taken together
// while no session operation is in progress. Until the page writes of a
// full checkpoint complete, writes to addresses below the snapshot wait;
// allocation and writes above it continue. Recovery must run before any
// session is opened.
type Store[T any] struct {
	dir  *allocator.PageDirectory[T]
	ep   *epoch.Epoch
	mgr  checkpoint.Manager
	opts options
	rc   *resource.Controller

	sessions      *xsync.MapOf[int, *Session[T]]
	sessMu        sync.Mutex
	nextSessionID atomic.Int64
	version       atomic.Int64

	// gate is held shared by every session operation and exclusively while
	// a checkpoint takes its snapshot.
	gate  sync.RWMutex
	fence atomic.Pointer[writeFence]

	// dirty holds the pages sessions wrote since the last checkpoint.
	dirtyMu sync.Mutex
	dirty   *roaring.Bitmap

	// mu serializes checkpoints, recovery and session resumption.
	mu        sync.Mutex
	recovered checkpoint.HybridLogRecoveryInfo
	base      checkpoint.Token
	lastDelta int64
	closed    atomic.Bool
}

// writeFence holds back writes below a checkpoint snapshot until its pages
// are written.
type writeFence struct {
	below int64
	done  chan struct{}
}

// Open creates an empty store whose checkpoints are kept by mgr. The
// manager is owned by the caller.
func Open[T any](mgr checkpoint.Manager, optFns ...Option) (*Store[T], error) {
	o := applyOptions(optFns)

	s := &Store[T]{
		mgr:       mgr,
		opts:      o,
		sessions:  xsync.NewMapOf[int, *Session[T]](),
		dirty:     roaring.New(),
		lastDelta: checkpoint.NoPrevDelta,
	}
	if o.resources != nil {
		s.rc = resource.NewController(*o.resources)
	}

	dir, err := allocator.New[T](
		allocator.WithPageBits(o.pageBits),
		allocator.WithNullSentinel(),
		allocator.WithLogger(o.logger.Logger),
		allocator.WithResourceController(s.rc),
		allocator.WithPageErrorHandler(func(op string, _ int, _ error) {
			o.metricsCollector.RecordPageIOError(op)
		}),
	)
	if err != nil {
		return nil, err
	}
	s.dir = dir
	s.ep = epoch.New(o.epochTableSize)
	s.version.Store(1)
	return s, nil
}

// Directory returns the record directory.
func (s *Store[T]) Directory() *allocator.PageDirectory[T] { return s.dir }

// Epoch returns the epoch sessions register with.
func (s *Store[T]) Epoch() *epoch.Epoch { return s.ep }

// Version returns the version the next checkpoint will record.
func (s *Store[T]) Version() int64 { return s.version.Load() }

// LastCheckpoint returns the token of the last full checkpoint taken or
// recovered, which incremental checkpoints extend.
func (s *Store[T]) LastCheckpoint() checkpoint.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Store[T]) throttle(dev device.Device) device.Device {
	if s.rc == nil {
		return dev
	}
	return device.NewThrottled(dev, s.rc)
}

// fillLogInfo records the log boundaries and the commit point of every
// open session.
func (s *Store[T]) fillLogInfo(info *checkpoint.HybridLogRecoveryInfo) {
	if s.opts.logAddresses != nil {
		a := s.opts.logAddresses()
		info.BeginAddress = a.Begin
		info.HeadAddress = a.Head
		info.FlushedLogicalAddress = a.Flushed
		info.StartLogicalAddress = a.Start
		info.FinalLogicalAddress = a.Final
		info.SnapshotFinalLogicalAddress = a.Snapshot
		if a.UseSnapshotFile {
			info.UseSnapshotFile = 1
		}
	}
	s.sessions.Range(func(id int, sess *Session[T]) bool {
		info.AddSession(id, sess.ctx.SessionName, sess.ctx.CommitPoint())
		return true
	})
}

func (s *Store[T]) cookie() []byte {
	if s.opts.cookie == nil {
		return nil
	}
	return s.opts.cookie()
}

func (s *Store[T]) setPhase(p session.Phase) {
	s.sessions.Range(func(_ int, sess *Session[T]) bool {
		sess.ctx.SetPhase(p)
		return true
	})
}

func (s *Store[T]) advanceVersion() {
	v := s.version.Add(1)
	s.sessions.Range(func(_ int, sess *Session[T]) bool {
		sess.ctx.SetVersion(v)
		return true
	})
}

func (s *Store[T]) markDirty(addr int64) {
	page := uint32(addr >> s.opts.pageBits)
	s.dirtyMu.Lock()
	s.dirty.Add(page)
	s.dirtyMu.Unlock()
}

// takeDirty returns the dirty pages and starts a new set. A failed
// checkpoint hands them back with restoreDirty.
func (s *Store[T]) takeDirty() *roaring.Bitmap {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	taken := s.dirty
	s.dirty = roaring.New()
	return taken
}

func (s *Store[T]) restoreDirty(pages *roaring.Bitmap) {
	s.dirtyMu.Lock()
	s.dirty.Or(pages)
	s.dirtyMu.Unlock()
}

// raiseFence makes writes below the high-water mark wait until the
// returned function is called. The gate must be held exclusively.
func (s *Store[T]) raiseFence(below int64) func() {
	f := &writeFence{below: below, done: make(chan struct{})}
	s.fence.Store(f)
	s.setPhase(session.PhaseInProgress)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.fence.Store(nil)
			s.setPhase(session.PhaseRest)
			close(f.done)
		})
	}
}

func (s *Store[T]) pagesFor(n uint64) int {
	pageBytes := uint64(s.dir.PageSize() * s.dir.RecordSize())
	return int((n + pageBytes - 1) / pageBytes)
}

// Checkpoint writes the directory pages and the log metadata of a new
// checkpoint and returns its token. The log metadata is committed last, so
// a token listed by the manager always has its index side in place.
func (s *Store[T]) Checkpoint(ctx context.Context) (checkpoint.Token, error) {
	if s.closed.Load() {
		return checkpoint.NilToken, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	token := checkpoint.NewToken()
	n, err := s.checkpoint(ctx, token)
	if err != nil {
		if perr := s.mgr.Purge(ctx, token); perr != nil {
			s.opts.logger.WarnContext(ctx, "purge of failed checkpoint", "token", token.String(), "error", perr)
		}
		err = &CheckpointError{Op: "checkpoint", Token: token, Err: translateError(err)}
	} else {
		s.base = token
		s.lastDelta = checkpoint.NoPrevDelta
		s.advanceVersion()
	}
	s.opts.metricsCollector.RecordCheckpoint(time.Since(start), s.pagesFor(n), n, err)
	s.opts.logger.LogCheckpoint(ctx, token, s.pagesFor(n), n, time.Since(start), err)
	if err != nil {
		return checkpoint.NilToken, err
	}
	return token, nil
}

func (s *Store[T]) checkpoint(ctx context.Context, token checkpoint.Token) (uint64, error) {
	var (
		idx  checkpoint.IndexCheckpointInfo
		hlog checkpoint.HybridLogCheckpointInfo
	)
	defer idx.Reset()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return idx.Initialize(gctx, token, int64(s.dir.PageSize()), s.mgr)
	})
	g.Go(func() error {
		return hlog.Initialize(gctx, token, s.version.Load(), s.mgr)
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	dev := s.throttle(idx.Device)
	failed := s.dir.FailedPages()

	// Snapshot: the page prefix and the commit points describe the same
	// set of completed operations.
	s.gate.Lock()
	var (
		n   uint64
		err error
	)
	if f := s.opts.readCacheFilter; f != nil {
		n, err = s.dir.BeginCheckpointReadCache(dev, 0, *f)
	} else {
		n, err = s.dir.BeginCheckpoint(dev, 0)
	}
	if err != nil {
		s.gate.Unlock()
		return 0, err
	}
	highWater := s.dir.LastCheckpointCount()
	s.fillLogInfo(&hlog.Info)
	cookie := s.cookie()
	dirty := s.takeDirty()
	lowerFence := s.raiseFence(highWater)
	s.gate.Unlock()
	defer lowerFence()

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.dir.IsCheckpointCompletedAsync(gctx)
		lowerFence()
		if err != nil {
			return err
		}
		if s.dir.FailedPages() != failed {
			return ErrPageIO
		}
		if err := device.Flush(dev); err != nil {
			return err
		}

		if idx.Info.NumBuckets, err = conv.Int64ToInt32(highWater); err != nil {
			return err
		}
		idx.Info.NumOFBBytes = n
		idx.Info.StartLogicalAddress = hlog.Info.StartLogicalAddress
		idx.Info.FinalLogicalAddress = hlog.Info.FinalLogicalAddress
		data, err := s.opts.serializer.MarshalIndex(&idx.Info)
		if err != nil {
			return err
		}
		return s.mgr.CommitIndexCheckpoint(gctx, token, data)
	})

	var logData []byte
	g.Go(func() error {
		var err error
		logData, err = s.opts.serializer.MarshalLog(&hlog.Info, cookie)
		return err
	})

	if err := g.Wait(); err != nil {
		s.restoreDirty(dirty)
		return n, err
	}
	if err := s.mgr.CommitLogCheckpoint(ctx, token, logData); err != nil {
		s.restoreDirty(dirty)
		return n, err
	}
	return n, nil
}

// CheckpointIncremental records the directory pages sessions changed since
// the previous checkpoint, the session commit points and the log boundaries
// as a new version in the delta log of the last full checkpoint. It returns
// the version written.
func (s *Store[T]) CheckpointIncremental(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.IsZero() {
		return 0, ErrNotRecovered
	}
	start := time.Now()
	version := s.version.Load()
	n, err := s.checkpointIncremental(ctx, s.base, version)
	if err != nil {
		err = &CheckpointError{Op: "incremental checkpoint", Token: s.base, Err: translateError(err)}
	} else {
		s.advanceVersion()
	}
	s.opts.metricsCollector.RecordCheckpoint(time.Since(start), 0, n, err)
	s.opts.logger.LogCheckpoint(ctx, s.base, 0, n, time.Since(start), err)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store[T]) checkpointIncremental(ctx context.Context, base checkpoint.Token, version int64) (uint64, error) {
	dev, err := s.mgr.GetDeltaLogDevice(ctx, base)
	if err != nil {
		return 0, err
	}
	defer dev.Close()

	dl, err := checkpoint.OpenDeltaLog(ctx, s.throttle(dev))
	if err != nil {
		return 0, err
	}
	defer dl.Close()

	var info checkpoint.HybridLogRecoveryInfo
	info.Initialize(base, version)
	delta := checkpoint.PageDelta{PrevOffset: s.lastDelta}

	// Pages are copied while no session operation is in progress, so they
	// match the commit points taken with them.
	s.gate.Lock()
	dirty := s.takeDirty()
	delta.HighWater = s.dir.MaxValidAddress()
	it := dirty.Iterator()
	for it.HasNext() {
		index := it.Next()
		data, err := s.dir.AppendPage(nil, int(index))
		if err != nil {
			s.gate.Unlock()
			s.restoreDirty(dirty)
			return 0, err
		}
		delta.Pages = append(delta.Pages, checkpoint.PageImage{Index: index, Data: data})
	}
	s.fillLogInfo(&info)
	cookie := s.cookie()
	s.gate.Unlock()

	n, err := s.appendDelta(ctx, dl, dev, &info, &delta, cookie)
	if err != nil {
		s.restoreDirty(dirty)
	}
	return n, err
}

func (s *Store[T]) appendDelta(ctx context.Context, dl *checkpoint.DeltaLog, dev device.Device, info *checkpoint.HybridLogRecoveryInfo, delta *checkpoint.PageDelta, cookie []byte) (uint64, error) {
	pages, err := delta.MarshalBinary()
	if err != nil {
		return 0, err
	}
	pe, err := dl.Append(ctx, checkpoint.DeltaPages, info.Version, pages)
	if err != nil {
		return 0, err
	}
	info.DeltaTailAddress = int64(dl.TailAddress())
	meta, err := s.opts.serializer.MarshalLog(info, cookie)
	if err != nil {
		return 0, err
	}
	me, err := dl.Append(ctx, checkpoint.DeltaMetadata, info.Version, meta)
	if err != nil {
		return 0, err
	}
	if err := device.Flush(dev); err != nil {
		return 0, err
	}
	s.lastDelta = int64(pe.Offset)
	return uint64(pe.Size) + uint64(me.Size), nil
}

// Recover restores the directory and the session commit points of token,
// or of the newest committed checkpoint if token is zero, and returns the
// commit cookie stored with it.
func (s *Store[T]) Recover(ctx context.Context, token checkpoint.Token, optFns ...RecoverOption) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if n := s.sessions.Size(); n > 0 {
		return nil, fmt.Errorf("%w: %d open", ErrSessionsActive, n)
	}
	var ro recoverOptions
	for _, fn := range optFns {
		fn(&ro)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if token.IsZero() {
		tokens, err := s.mgr.GetLogCheckpointTokens(ctx)
		if err != nil {
			return nil, err
		}
		if len(tokens) == 0 {
			return nil, ErrCheckpointNotFound
		}
		token = tokens[0]
	}

	cookie, n, err := s.recover(ctx, token, ro)
	if err != nil {
		err = &CheckpointError{Op: "recover", Token: token, Err: translateError(err)}
	}
	s.opts.metricsCollector.RecordRecovery(time.Since(start), s.pagesFor(n), n, err)
	s.opts.logger.LogRecovery(ctx, token, s.pagesFor(n), n, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return cookie, nil
}

func (s *Store[T]) recover(ctx context.Context, token checkpoint.Token, ro recoverOptions) ([]byte, uint64, error) {
	ser := checkpoint.AutoSerializer{Serializer: s.opts.serializer}

	var idx checkpoint.IndexCheckpointInfo
	if err := idx.Recover(ctx, token, s.mgr, ser); err != nil {
		return nil, 0, err
	}
	if idx.Info.TableSize != int64(s.dir.PageSize()) {
		return nil, 0, fmt.Errorf("%w: page size %d, directory uses %d",
			ErrIncompatibleCheckpoint, idx.Info.TableSize, s.dir.PageSize())
	}

	dev, err := s.mgr.GetIndexDevice(ctx, token)
	if err != nil {
		return nil, 0, err
	}
	defer dev.Close()

	failed := s.dir.FailedPages()
	n, err := s.dir.RecoverAsync(ctx, s.throttle(dev), 0, int64(idx.Info.NumBuckets), idx.Info.NumOFBBytes)
	if err != nil {
		return nil, n, err
	}
	if s.dir.FailedPages() != failed {
		return nil, n, ErrPageIO
	}

	var hlog checkpoint.HybridLogCheckpointInfo
	defer hlog.Close()
	cookie, err := hlog.Recover(ctx, token, s.mgr, ser, ro.scanDelta, ro.recoverTo)
	if err != nil {
		return nil, n, err
	}

	lastDelta := checkpoint.NoPrevDelta
	if ro.scanDelta {
		chain, err := checkpoint.ResolvePageDeltas(ctx, hlog.DeltaLog, ro.recoverTo)
		if err != nil {
			return nil, n, err
		}
		for _, d := range chain {
			s.dir.Grow(d.HighWater)
			for _, p := range d.Pages {
				if err := s.dir.RestorePage(int(p.Index), p.Data); err != nil {
					return nil, n, err
				}
				n += uint64(len(p.Data))
			}
			lastDelta = d.Offset
		}
	}

	// Versions continue past every delta of the checkpoint, including those
	// of versions newer than the one recovered.
	version := hlog.Info.NextVersion
	if hlog.DeltaLog != nil {
		for _, e := range hlog.DeltaLog.Entries() {
			version = max(version, e.Version+1)
		}
	}

	s.recovered = hlog.Info
	s.base = token
	s.lastDelta = lastDelta
	s.version.Store(version)
	if len(hlog.Info.ContinueTokens) > 0 {
		if next := int64(hlog.Info.MaxSessionID) + 1; next > s.nextSessionID.Load() {
			s.nextSessionID.Store(next)
		}
	}
	return cookie, n, nil
}

// RecoveredSession is a session known to the last recovered checkpoint.
type RecoveredSession struct {
	ID    int
	Name  string
	Point checkpoint.CommitPoint
}

// RecoveredVersion returns the checkpoint version the last recovery
// restored, or zero.
func (s *Store[T]) RecoveredVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered.Version
}

// RecoveredSessions lists the sessions of the last recovery by id.
func (s *Store[T]) RecoveredSessions() []RecoveredSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecoveredSession, 0, len(s.recovered.ContinueTokens))
	for _, id := range s.recovered.SessionIDs() {
		c := s.recovered.ContinueTokens[id]
		out = append(out, RecoveredSession{ID: id, Name: c.Name, Point: c.Point.Clone()})
	}
	return out
}

// Close releases all sessions and the directory. It waits for a running
// checkpoint and for session operations in progress.
func (s *Store[T]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate.Lock()
	defer s.gate.Unlock()

	s.sessions.Range(func(_ int, sess *Session[T]) bool {
		sess.release()
		return true
	})
	s.sessions.Clear()
	return s.dir.Close()
}
