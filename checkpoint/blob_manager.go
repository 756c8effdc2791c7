package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cprkv/blobstore"
	"github.com/hupe1980/cprkv/device"
)

const (
	indexDir   = "index-checkpoints"
	logDir     = "cpr-checkpoints"
	commitsDir = "commits"

	// LatestLogPointer names the pointer to the newest committed log
	// checkpoint when a PointerStore is configured.
	LatestLogPointer = "latest-log-checkpoint"
)

// ManagerOption configures a BlobManager.
type ManagerOption func(*BlobManager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *BlobManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDeviceFactory replaces the default blob backed devices.
func WithDeviceFactory(f DeviceFactory) ManagerOption {
	return func(m *BlobManager) {
		m.devices = f
	}
}

// WithPointerStore publishes every log commit to ps, e.g. a DynamoDB
// backed s3.CommitStore shared by several writers.
func WithPointerStore(ps blobstore.PointerStore) ManagerOption {
	return func(m *BlobManager) {
		m.pointers = ps
	}
}

// BlobManager keeps checkpoint metadata in a BlobStore.
//
// Layout:
//
//	index-checkpoints/<token>/info    index metadata
//	index-checkpoints/<token>/ht      index device
//	cpr-checkpoints/<token>/info      log metadata
//	cpr-checkpoints/<token>/delta     delta log device
//	commits/<kind>/<seq>-<token>      commit markers
//
// A checkpoint counts as committed once its marker exists. Markers carry a
// sequence number so listings are ordered without relying on clocks.
type BlobManager struct {
	store    blobstore.BlobStore
	devices  DeviceFactory
	pointers blobstore.PointerStore
	logger   *slog.Logger

	seq    atomic.Uint64
	mu     sync.Mutex
	opened []device.Device
	closed atomic.Bool
}

// NewBlobManager creates a manager over store and resumes the commit
// sequence from the markers already present.
func NewBlobManager(ctx context.Context, store blobstore.BlobStore, opts ...ManagerOption) (*BlobManager, error) {
	m := &BlobManager{
		store:  store,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.devices == nil {
		m.devices = BlobDeviceFactory{Store: store}
	}

	for _, kind := range []Kind{KindIndex, KindLog} {
		markers, err := m.markers(ctx, kind)
		if err != nil {
			return nil, err
		}
		if len(markers) > 0 && markers[0].seq > m.seq.Load() {
			m.seq.Store(markers[0].seq)
		}
	}
	return m, nil
}

// NewLocalManager keeps metadata and devices below dir.
func NewLocalManager(ctx context.Context, dir string, opts ...ManagerOption) (*BlobManager, error) {
	opts = append([]ManagerOption{WithDeviceFactory(LocalDeviceFactory{Dir: dir})}, opts...)
	return NewBlobManager(ctx, blobstore.NewLocalStore(dir), opts...)
}

func kindDir(kind Kind) string {
	if kind == KindIndex {
		return indexDir
	}
	return logDir
}

func infoName(kind Kind, token Token) string {
	return path.Join(kindDir(kind), token.String(), "info")
}

type marker struct {
	name  string
	seq   uint64
	token Token
}

// markers lists commit markers of kind, newest first.
func (m *BlobManager) markers(ctx context.Context, kind Kind) ([]marker, error) {
	prefix := path.Join(commitsDir, string(kind)) + "/"
	names, err := m.store.List(ctx, prefix)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]marker, 0, len(names))
	for _, name := range names {
		seqStr, tokStr, ok := strings.Cut(strings.TrimPrefix(name, prefix), "-")
		if !ok {
			continue
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			continue
		}
		tok, err := ParseToken(tokStr)
		if err != nil {
			continue
		}
		out = append(out, marker{name: name, seq: seq, token: tok})
	}
	slices.SortFunc(out, func(a, b marker) int {
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *BlobManager) commit(ctx context.Context, kind Kind, token Token, metadata []byte) error {
	if m.closed.Load() {
		return device.ErrClosed
	}
	if err := m.store.Put(ctx, infoName(kind, token), metadata); err != nil {
		return fmt.Errorf("checkpoint: store %s metadata %s: %w", kind, token, err)
	}
	seq := m.seq.Add(1)
	name := path.Join(commitsDir, string(kind), fmt.Sprintf("%020d-%s", seq, token))
	if err := m.store.Put(ctx, name, nil); err != nil {
		return fmt.Errorf("checkpoint: commit %s %s: %w", kind, token, err)
	}
	m.logger.Debug("checkpoint committed", slog.String("kind", string(kind)), slog.String("token", token.String()), slog.Uint64("seq", seq))
	return nil
}

// InitializeIndexCheckpoint is a no-op; blobs are created on commit.
func (m *BlobManager) InitializeIndexCheckpoint(context.Context, Token) error { return nil }

// InitializeLogCheckpoint is a no-op; blobs are created on commit.
func (m *BlobManager) InitializeLogCheckpoint(context.Context, Token) error { return nil }

// CommitIndexCheckpoint stores index metadata and its commit marker.
func (m *BlobManager) CommitIndexCheckpoint(ctx context.Context, token Token, metadata []byte) error {
	return m.commit(ctx, KindIndex, token, metadata)
}

// CommitLogCheckpoint stores log metadata and its commit marker, then
// advances the latest-checkpoint pointer if one is configured.
func (m *BlobManager) CommitLogCheckpoint(ctx context.Context, token Token, metadata []byte) error {
	if err := m.commit(ctx, KindLog, token, metadata); err != nil {
		return err
	}
	if m.pointers == nil {
		return nil
	}
	for {
		version, _, err := m.pointers.LoadPointer(ctx, LatestLogPointer)
		if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
		_, err = m.pointers.SwapPointer(ctx, LatestLogPointer, version, token.String())
		if errors.Is(err, blobstore.ErrConflict) {
			continue
		}
		return err
	}
}

func (m *BlobManager) metadata(ctx context.Context, kind Kind, token Token) ([]byte, error) {
	data, err := m.store.Get(ctx, infoName(kind, token))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// GetIndexCheckpointMetadata returns the index metadata of token.
func (m *BlobManager) GetIndexCheckpointMetadata(ctx context.Context, token Token) ([]byte, error) {
	return m.metadata(ctx, KindIndex, token)
}

// GetLogCheckpointMetadata returns the log metadata of token.
func (m *BlobManager) GetLogCheckpointMetadata(ctx context.Context, token Token, deltaLog *DeltaLog, scanDelta bool, recoverTo int64) ([]byte, error) {
	base, err := m.metadata(ctx, KindLog, token)
	if err != nil || base == nil {
		return base, err
	}
	return ResolveLogMetadata(ctx, base, deltaLog, scanDelta, recoverTo)
}

func (m *BlobManager) open(ctx context.Context, name string) (device.Device, error) {
	dev, err := m.devices.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.opened = append(m.opened, dev)
	m.mu.Unlock()
	return dev, nil
}

// GetIndexDevice opens the index device of token.
func (m *BlobManager) GetIndexDevice(ctx context.Context, token Token) (device.Device, error) {
	return m.open(ctx, path.Join(indexDir, token.String(), "ht"))
}

// GetDeltaLogDevice opens the delta log device of token.
func (m *BlobManager) GetDeltaLogDevice(ctx context.Context, token Token) (device.Device, error) {
	return m.open(ctx, path.Join(logDir, token.String(), "delta"))
}

func (m *BlobManager) tokens(ctx context.Context, kind Kind) ([]Token, error) {
	markers, err := m.markers(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]Token, 0, len(markers))
	for _, mk := range markers {
		if !slices.Contains(out, mk.token) {
			out = append(out, mk.token)
		}
	}
	return out, nil
}

// GetIndexCheckpointTokens lists committed index checkpoints, newest first.
func (m *BlobManager) GetIndexCheckpointTokens(ctx context.Context) ([]Token, error) {
	return m.tokens(ctx, KindIndex)
}

// GetLogCheckpointTokens lists committed log checkpoints, newest first.
func (m *BlobManager) GetLogCheckpointTokens(ctx context.Context) ([]Token, error) {
	return m.tokens(ctx, KindLog)
}

// LatestLogToken returns the newest committed log checkpoint, preferring
// the pointer store when one is configured.
func (m *BlobManager) LatestLogToken(ctx context.Context) (Token, error) {
	if m.pointers != nil {
		_, value, err := m.pointers.LoadPointer(ctx, LatestLogPointer)
		switch {
		case err == nil:
			return ParseToken(value)
		case !errors.Is(err, blobstore.ErrNotFound):
			return NilToken, err
		}
	}
	tokens, err := m.GetLogCheckpointTokens(ctx)
	if err != nil {
		return NilToken, err
	}
	if len(tokens) == 0 {
		return NilToken, ErrNoCheckpoint
	}
	return tokens[0], nil
}

// Purge removes the metadata, markers and devices of token in parallel.
func (m *BlobManager) Purge(ctx context.Context, token Token) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, kind := range []Kind{KindIndex, KindLog} {
		g.Go(func() error {
			return m.store.Delete(ctx, infoName(kind, token))
		})
		g.Go(func() error {
			markers, err := m.markers(ctx, kind)
			if err != nil {
				return err
			}
			for _, mk := range markers {
				if mk.token != token {
					continue
				}
				if err := m.store.Delete(ctx, mk.name); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		return m.devices.Remove(ctx, path.Join(indexDir, token.String(), "ht"))
	})
	g.Go(func() error {
		return m.devices.Remove(ctx, path.Join(logDir, token.String(), "delta"))
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("checkpoint: purge %s: %w", token, err)
	}
	m.logger.Info("checkpoint purged", slog.String("token", token.String()))
	return nil
}

// Close closes every device the manager handed out.
func (m *BlobManager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, dev := range m.opened {
		errs = append(errs, dev.Close())
	}
	m.opened = nil
	return errors.Join(errs...)
}
