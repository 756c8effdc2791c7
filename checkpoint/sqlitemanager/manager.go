// Package sqlitemanager implements checkpoint.Manager with metadata in a
// SQLite database and checkpoint devices as local segment files.
package sqlitemanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/device"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	kind     TEXT NOT NULL,
	token    TEXT NOT NULL,
	metadata BLOB NOT NULL,
	UNIQUE (kind, token)
);`

// Manager stores committed metadata rows in SQLite. A row exists only for
// committed checkpoints, so a commit is a single insert.
type Manager struct {
	db      *sql.DB
	devices checkpoint.DeviceFactory
	logger  *slog.Logger

	mu     sync.Mutex
	opened []device.Device
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDeviceFactory overrides where devices are created.
func WithDeviceFactory(f checkpoint.DeviceFactory) Option {
	return func(m *Manager) {
		m.devices = f
	}
}

// Open opens or creates "<dir>/checkpoints.db". Devices live below dir.
func Open(ctx context.Context, dir string, opts ...Option) (*Manager, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("sqlitemanager: open: %w", err)
	}
	// database/sql pools connections; a single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitemanager: init schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL; PRAGMA synchronous = FULL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitemanager: pragma: %w", err)
	}

	m := &Manager{
		db:      db,
		devices: checkpoint.LocalDeviceFactory{Dir: dir},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// InitializeIndexCheckpoint is a no-op.
func (m *Manager) InitializeIndexCheckpoint(context.Context, checkpoint.Token) error { return nil }

// InitializeLogCheckpoint is a no-op.
func (m *Manager) InitializeLogCheckpoint(context.Context, checkpoint.Token) error { return nil }

func (m *Manager) commit(ctx context.Context, kind checkpoint.Kind, token checkpoint.Token, metadata []byte) error {
	if metadata == nil {
		metadata = []byte{}
	}
	_, err := m.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO checkpoints (kind, token, metadata) VALUES (?, ?, ?)",
		string(kind), token.String(), metadata)
	if err != nil {
		return fmt.Errorf("sqlitemanager: commit %s %s: %w", kind, token, err)
	}
	m.logger.Debug("checkpoint committed", slog.String("kind", string(kind)), slog.String("token", token.String()))
	return nil
}

// CommitIndexCheckpoint stores the index metadata row.
func (m *Manager) CommitIndexCheckpoint(ctx context.Context, token checkpoint.Token, metadata []byte) error {
	return m.commit(ctx, checkpoint.KindIndex, token, metadata)
}

// CommitLogCheckpoint stores the log metadata row.
func (m *Manager) CommitLogCheckpoint(ctx context.Context, token checkpoint.Token, metadata []byte) error {
	return m.commit(ctx, checkpoint.KindLog, token, metadata)
}

func (m *Manager) metadata(ctx context.Context, kind checkpoint.Kind, token checkpoint.Token) ([]byte, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT metadata FROM checkpoints WHERE kind = ? AND token = ?",
		string(kind), token.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// GetIndexCheckpointMetadata returns the index metadata of token.
func (m *Manager) GetIndexCheckpointMetadata(ctx context.Context, token checkpoint.Token) ([]byte, error) {
	return m.metadata(ctx, checkpoint.KindIndex, token)
}

// GetLogCheckpointMetadata returns the log metadata of token, resolved
// against deltaLog.
func (m *Manager) GetLogCheckpointMetadata(ctx context.Context, token checkpoint.Token, deltaLog *checkpoint.DeltaLog, scanDelta bool, recoverTo int64) ([]byte, error) {
	base, err := m.metadata(ctx, checkpoint.KindLog, token)
	if err != nil || base == nil {
		return base, err
	}
	return checkpoint.ResolveLogMetadata(ctx, base, deltaLog, scanDelta, recoverTo)
}

func deviceName(kind checkpoint.Kind, token checkpoint.Token) string {
	if kind == checkpoint.KindIndex {
		return path.Join("index-checkpoints", token.String(), "ht")
	}
	return path.Join("cpr-checkpoints", token.String(), "delta")
}

func (m *Manager) open(ctx context.Context, name string) (device.Device, error) {
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
func (m *Manager) GetIndexDevice(ctx context.Context, token checkpoint.Token) (device.Device, error) {
	return m.open(ctx, deviceName(checkpoint.KindIndex, token))
}

// GetDeltaLogDevice opens the delta log device of token.
func (m *Manager) GetDeltaLogDevice(ctx context.Context, token checkpoint.Token) (device.Device, error) {
	return m.open(ctx, deviceName(checkpoint.KindLog, token))
}

func (m *Manager) tokens(ctx context.Context, kind checkpoint.Kind) ([]checkpoint.Token, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT token FROM checkpoints WHERE kind = ? ORDER BY seq DESC", string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkpoint.Token
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		tok, err := checkpoint.ParseToken(s)
		if err != nil {
			m.logger.Warn("skipping malformed token row", slog.String("token", s))
			continue
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// GetIndexCheckpointTokens lists committed index checkpoints, newest first.
func (m *Manager) GetIndexCheckpointTokens(ctx context.Context) ([]checkpoint.Token, error) {
	return m.tokens(ctx, checkpoint.KindIndex)
}

// GetLogCheckpointTokens lists committed log checkpoints, newest first.
func (m *Manager) GetLogCheckpointTokens(ctx context.Context) ([]checkpoint.Token, error) {
	return m.tokens(ctx, checkpoint.KindLog)
}

// Purge deletes the rows and devices of token.
func (m *Manager) Purge(ctx context.Context, token checkpoint.Token) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE token = ?", token.String()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlitemanager: purge %s: %w", token, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return errors.Join(
		m.devices.Remove(ctx, deviceName(checkpoint.KindIndex, token)),
		m.devices.Remove(ctx, deviceName(checkpoint.KindLog, token)),
	)
}

// Close closes the opened devices and the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	var errs []error
	for _, dev := range m.opened {
		errs = append(errs, dev.Close())
	}
	m.opened = nil
	m.mu.Unlock()

	errs = append(errs, m.db.Close())
	return errors.Join(errs...)
}

var _ checkpoint.Manager = (*Manager)(nil)
