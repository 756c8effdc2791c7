package checkpoint

import (
	"context"

	"github.com/hupe1980/cprkv/device"
)

// Manager persists checkpoint metadata and hands out the devices that
// checkpoint data is written to.
type Manager interface {
	// InitializeIndexCheckpoint prepares storage for a new index checkpoint.
	InitializeIndexCheckpoint(ctx context.Context, token Token) error
	// InitializeLogCheckpoint prepares storage for a new log checkpoint.
	InitializeLogCheckpoint(ctx context.Context, token Token) error
	// CommitIndexCheckpoint durably stores index metadata and marks the
	// checkpoint committed.
	CommitIndexCheckpoint(ctx context.Context, token Token, metadata []byte) error
	// CommitLogCheckpoint durably stores log metadata and marks the
	// checkpoint committed.
	CommitLogCheckpoint(ctx context.Context, token Token, metadata []byte) error

	// GetIndexCheckpointMetadata returns the stored index metadata, or nil
	// if there is none.
	GetIndexCheckpointMetadata(ctx context.Context, token Token) ([]byte, error)
	// GetLogCheckpointMetadata returns the stored log metadata, or nil if
	// there is none. With scanDelta set, the newest version up to recoverTo
	// found in deltaLog is returned instead of the base version.
	GetLogCheckpointMetadata(ctx context.Context, token Token, deltaLog *DeltaLog, scanDelta bool, recoverTo int64) ([]byte, error)

	// GetIndexDevice returns the device holding the index pages of token.
	GetIndexDevice(ctx context.Context, token Token) (device.Device, error)
	// GetDeltaLogDevice returns the device holding the delta log of token.
	GetDeltaLogDevice(ctx context.Context, token Token) (device.Device, error)

	// GetIndexCheckpointTokens lists committed index checkpoints, newest first.
	GetIndexCheckpointTokens(ctx context.Context) ([]Token, error)
	// GetLogCheckpointTokens lists committed log checkpoints, newest first.
	GetLogCheckpointTokens(ctx context.Context) ([]Token, error)

	// Purge removes everything stored for token.
	Purge(ctx context.Context, token Token) error
	Close() error
}
