package core

import (
	"sync"
	"time"
)

// Session aggregates one state view and one ordered event log for a single
// (app, user, session) triple. It is safe for concurrent access; AppendEvent
// is serialized by an internal lock so the merge-then-append cannot
// interleave.
//
// Contract:
//   - State changes only through AppendEvent (or service-side delta routing);
//     there is no public setter.
//   - The event log is append-only; Events returns a defensive copy.
//   - temp:-scoped entries are discarded whenever the observed invocation id
//     changes, checked both at read (BeginInvocation) and at the next append.
//   - Replaying all events over the same user/app partitions reproduces the
//     materialized state exactly; state is a projection of the log, never a
//     second source of truth.
type Session struct {
	ID           string
	AppName      string
	UserID       string
	InvocationID string
	Created      time.Time
	LastUpdate   time.Time

	mu     sync.RWMutex
	state  *State
	events []Event
}

// NewSession creates an empty session for the given triple.
func NewSession(appName, userID, id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		AppName:    appName,
		UserID:     userID,
		Created:    now,
		LastUpdate: now,
		state:      NewState(),
	}
}

// Restore rebuilds a session from persisted parts: the session-scope
// partition (bare keys), the event log, and bookkeeping fields. Used by the
// durable stores when loading; the temp partition always starts empty.
func Restore(appName, userID, id string, sessionState map[string]any, events []Event, invocationID string, lastUpdate time.Time) *Session {
	s := NewSession(appName, userID, id)
	s.InvocationID = invocationID
	s.LastUpdate = lastUpdate
	for k, v := range sessionState {
		s.state.session[k] = v
	}
	s.events = append(s.events, events...)
	return s
}

// LoadShared overlays snapshots of the shared user and app partitions (bare
// keys). Stores call this after restoring so the materialized view includes
// coarser-grained state.
func (s *Session) LoadShared(userState, appState map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range userState {
		s.state.user[k] = v
	}
	for k, v := range appState {
		s.state.app[k] = v
	}
}

// AppendEvent atomically merges the event's state delta into the state view
// honoring scope rules, appends the event to the log, and updates
// LastUpdate. A delta value that fails serialization aborts the whole
// append: the log length and every partition are left untouched.
//
// An event carrying a new invocation id moves the session across an
// invocation boundary, discarding the temp partition before the delta is
// applied. The event is returned with a generated ID and timestamp if they
// were unset.
func (s *Session) AppendEvent(ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ev)
}

// AppendEventWith runs build under the session lock and appends the event it
// produces. build receives a scope-resolving getter over the current state,
// so a read-increment-write delta (read counter, write counter+1) executes
// as one critical section: concurrent callers cannot interleave between the
// read and the append, and no increment is lost.
func (s *Session) AppendEventWith(invocationID, author string, build func(get func(key string) (any, bool)) map[string]any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := build(s.state.Get)
	ev := NewEvent(invocationID, author)
	ev.Actions.StateDelta = delta
	return s.appendLocked(ev)
}

// appendLocked implements the atomic merge-then-append; the caller holds the
// write lock. Validation happens before any partition or the log is touched.
func (s *Session) appendLocked(ev Event) (Event, error) {
	if err := ValidateDelta(ev.Actions.StateDelta); err != nil {
		return Event{}, err
	}

	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if ev.InvocationID != "" && ev.InvocationID != s.InvocationID {
		s.state.clearTemp()
		s.InvocationID = ev.InvocationID
	}

	s.state.applyDelta(ev.Actions.StateDelta)
	s.events = append(s.events, ev)
	s.LastUpdate = time.Now().UTC()
	return ev, nil
}

// BeginInvocation marks the start of a new top-level invocation. If the id
// differs from the current one the temp partition is discarded, so stale
// invocation-scoped entries can never be read across the boundary.
func (s *Session) BeginInvocation(invocationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if invocationID != s.InvocationID {
		s.state.clearTemp()
		s.InvocationID = invocationID
	}
}

// GetState resolves a raw (possibly prefixed) key against the session's
// state view.
func (s *Session) GetState(raw string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Get(raw)
}

// GetStateDefault returns the value for key or def if absent.
func (s *Session) GetStateDefault(raw string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetDefault(raw, def)
}

// Materialized returns the point-in-time flattened mapping merging session,
// user and app partitions, with temp: entries present only for the current
// invocation.
func (s *Session) Materialized() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Flatten()
}

// SessionState returns a copy of the session-scope partition (bare keys).
// This is the shape the durable stores persist for the sessions table.
func (s *Session) SessionState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SessionPartition()
}

// Events returns a defensive copy of the full event log in append order.
func (s *Session) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return events
}

// EventCount returns the current log length.
func (s *Session) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// ConversationHistory returns filtered events suitable for conversational
// context: user/assistant/tool roles only, partial fragments excluded.
func (s *Session) ConversationHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[string]bool{"user": true, "assistant": true, "tool": true}
	res := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Content == nil || !allowed[ev.Content.Role] {
			continue
		}
		if ev.IsPartial() {
			continue
		}
		res = append(res, ev)
	}
	return res
}

// Replay rebuilds state by applying every logged delta in order over an
// empty session partition and the supplied user/app partitions (bare keys).
// The result must equal Materialized for a session whose partitions started
// from the same persisted base; tests use this to verify that state is a
// pure projection of the event log.
func (s *Session) Replay(userState, appState map[string]any) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := NewState()
	for k, v := range userState {
		st.user[k] = v
	}
	for k, v := range appState {
		st.app[k] = v
	}
	invocation := ""
	for _, ev := range s.events {
		if ev.InvocationID != "" && ev.InvocationID != invocation {
			st.clearTemp()
			invocation = ev.InvocationID
		}
		st.applyDelta(ev.Actions.StateDelta)
	}
	return st.Flatten()
}

// Clone returns a deep copy of the session safe for independent mutation.
// Events are immutable so the slice copy is shallow per element.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:           s.ID,
		AppName:      s.AppName,
		UserID:       s.UserID,
		InvocationID: s.InvocationID,
		Created:      s.Created,
		LastUpdate:   s.LastUpdate,
		state:        s.state.clone(),
		events:       make([]Event, len(s.events)),
	}
	copy(clone.events, s.events)
	return clone
}
