package cprkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/cprkv/allocator"
	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/device"
)

var (
	// ErrClosed is returned by operations on a closed store or session.
	ErrClosed = errors.New("cprkv: closed")
	// ErrCheckpointNotFound is returned when no usable checkpoint exists.
	ErrCheckpointNotFound = errors.New("cprkv: checkpoint not found")
	// ErrInvalidCheckpoint is returned for metadata that fails its checksum
	// or cannot be parsed.
	ErrInvalidCheckpoint = errors.New("cprkv: invalid checkpoint")
	// ErrIncompatibleCheckpoint is returned for metadata of another format
	// version.
	ErrIncompatibleCheckpoint = errors.New("cprkv: incompatible checkpoint version")
	// ErrPageIO is returned when page writes or reads failed during a
	// checkpoint or recovery.
	ErrPageIO = errors.New("cprkv: page I/O failed")
	// ErrSessionExists is returned when a session name is already active.
	ErrSessionExists = errors.New("cprkv: session already active")
	// ErrUnknownSession is returned when resuming a session the recovered
	// checkpoint does not know.
	ErrUnknownSession = errors.New("cprkv: unknown session")
	// ErrSessionsActive is returned by Recover while sessions are open.
	ErrSessionsActive = errors.New("cprkv: sessions active")
	// ErrNotRecovered is returned by CheckpointIncremental before any
	// checkpoint was taken or recovered.
	ErrNotRecovered = errors.New("cprkv: no base checkpoint")
)

// CheckpointError reports a failed checkpoint or recovery of one token.
//
// The original underlying error can be accessed via errors.Unwrap.
type CheckpointError struct {
	Op    string
	Token checkpoint.Token
	Err   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("cprkv: %s %s: %v", e.Op, e.Token, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, checkpoint.ErrInvalidVersion):
		return fmt.Errorf("%w: %w", ErrIncompatibleCheckpoint, err)
	case errors.Is(err, checkpoint.ErrInvalidChecksum),
		errors.Is(err, checkpoint.ErrMalformed),
		errors.Is(err, device.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	case errors.Is(err, checkpoint.ErrMetadataNotFound),
		errors.Is(err, checkpoint.ErrNoCheckpoint):
		return fmt.Errorf("%w: %w", ErrCheckpointNotFound, err)
	case errors.Is(err, device.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, allocator.ErrRecoveryRange):
		return fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	}
	return err
}
