package core

import (
	"context"
	"time"
)

// SessionService is the registry of sessions, keyed by the full
// (app, user, session) triple. Implementations must guarantee isolation
// across that triple: no operation on one (app, user) pair may observe or
// mutate state belonging to another pair, and user:/app: partitions are
// namespaced by (app, user) and (app) respectively, never shared globally.
//
// Operations on different session ids must not block each other; operations
// on the same id must be linearizable. Create on an existing id fails with
// ErrAlreadyExists, it never silently overwrites.
type SessionService interface {
	// Create registers a new session. An empty sessionID generates a
	// 128-bit random identifier. initialState may carry prefixed keys;
	// user:/app: entries are routed to the shared partitions, temp:
	// entries are rejected since they can never be persisted.
	Create(ctx context.Context, appName, userID, sessionID string, initialState map[string]any) (*Session, error)

	// Get returns the session with shared partitions merged in, or
	// ErrNotFound.
	Get(ctx context.Context, appName, userID, sessionID string) (*Session, error)

	// List returns all sessions for the (app, user) pair. Order is
	// unspecified but stable within a call.
	List(ctx context.Context, appName, userID string) ([]*Session, error)

	// Delete removes the session and its session-scope state. User and
	// app partitions survive: they are owned at a coarser granularity and
	// may be referenced by other sessions.
	Delete(ctx context.Context, appName, userID, sessionID string) error

	// AppendEvent atomically applies the event's state delta and appends
	// the event to the session's log, in the canonical store and in the
	// caller's session snapshot. The returned event carries a generated
	// id if it was unset. Concurrent appends to the same session are
	// mutually excluded.
	AppendEvent(ctx context.Context, sess *Session, ev Event) (Event, error)

	// AppendEventWith builds a delta from the latest committed state and
	// appends it in one critical section: the getter passed to build
	// observes the store's current values and no concurrent append can
	// interleave between the read and the commit. This is the supported
	// path for read-modify-write updates such as counters.
	AppendEventWith(ctx context.Context, sess *Session, invocationID, author string, build func(get func(key string) (any, bool)) map[string]any) (Event, error)
}

// MemoryResult is one ranked hit from a memory search.
type MemoryResult struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Author    string         `json:"author"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MemoryService is the cross-session searchable archive, distinct from any
// single session's live state. Records are created from a snapshot of a
// session at ingestion time; later session mutations do not retroactively
// update them. Re-ingesting the same session id replaces its records
// (idempotent update semantics).
//
// Search results are scoped strictly to the given (app, user) pair;
// cross-user leakage is a correctness violation.
type MemoryService interface {
	AddSession(ctx context.Context, sess *Session) error
	Search(ctx context.Context, appName, userID, query string, limit int) ([]MemoryResult, error)
}

// ArtifactStore persists binary artifacts scoped by the owning session's
// triple. Implementations should be thread-safe. Short method names
// (Save/Get/List/Delete) mirror the other store interfaces.
type ArtifactStore interface {
	Save(ctx context.Context, appName, userID, sessionID, artifactID string, data []byte) error
	Get(ctx context.Context, appName, userID, sessionID, artifactID string) ([]byte, error)
	List(ctx context.Context, appName, userID, sessionID string) ([]string, error)
	Delete(ctx context.Context, appName, userID, sessionID, artifactID string) error
}
