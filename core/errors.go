package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all service implementations. Stores wrap these
// with fmt.Errorf("...: %w", err) so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when the referenced (app, user, session)
	// triple does not exist in the backing store.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when Create collides with a registered
	// session id. The caller decides whether to regenerate an identifier;
	// the store never silently overwrites.
	ErrAlreadyExists = errors.New("already exists")

	// ErrReadOnly is returned when a write is attempted through a context
	// that only grants read access. This is always a programming error in
	// the caller and must not be swallowed.
	ErrReadOnly = errors.New("state is read-only")

	// ErrTimeout is returned when a backing store operation exceeded its
	// configured bound. Retrying is the caller's decision; supply a stable
	// event id before retrying an append so a duplicate cannot be logged.
	ErrTimeout = errors.New("store operation timed out")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// SerializationError reports a state value that cannot be represented
// durably. An append carrying such a value fails as a whole: no part of the
// delta is applied and no event is logged.
type SerializationError struct {
	Key string // offending state key (raw, prefixed form)
	Err error  // underlying encoding error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("state value for %q is not serializable: %v", e.Key, e.Err)
}

// Unwrap returns the underlying encoding error.
func (e *SerializationError) Unwrap() error { return e.Err }
