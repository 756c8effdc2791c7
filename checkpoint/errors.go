package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidVersion is returned when stored metadata has another format
	// version.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidChecksum is returned when the stored checksum does not match
	// the recomputed one.
	ErrInvalidChecksum = errors.New("invalid checksum for checkpoint")
	// ErrMetadataNotFound is returned when a manager has no metadata for a
	// token.
	ErrMetadataNotFound = errors.New("checkpoint: metadata not found")
	// ErrMalformed is returned when metadata cannot be parsed.
	ErrMalformed = errors.New("checkpoint: malformed metadata")
	// ErrNoCheckpoint is returned when no committed checkpoint exists.
	ErrNoCheckpoint = errors.New("checkpoint: no committed checkpoint")
)

// Kind names the side of a checkpoint.
type Kind string

const (
	KindLog   Kind = "log"
	KindIndex Kind = "index"
)

// Error is a fatal recovery error for one checkpoint.
type Error struct {
	Kind  Kind
	Token Token
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s commit metadata for ID %s: %v", e.Kind, e.Token, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
