package testutil

import (
	"time"

	"github.com/hupe1980/agentstate/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("app", "alice", "sess-1").State("k", "v").Events(ev1, ev2).Build()
type SessionBuilder struct {
	appName string
	userID  string
	id      string
	state   map[string]any
	events  []core.Event
}

// NewSessionBuilder creates a new builder for a session owned by the given
// (app, user) pair. Use chainable methods (State, Event, Events) then call
// Build.
func NewSessionBuilder(appName, userID, id string) *SessionBuilder {
	return &SessionBuilder{appName: appName, userID: userID, id: id, state: map[string]any{}}
}

// State sets a session-scope state key on the resulting session (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// Event appends a single event to the session history (chainable).
func (b *SessionBuilder) Event(ev core.Event) *SessionBuilder {
	b.events = append(b.events, ev)
	return b
}

// Events appends multiple events to the session history (chainable).
func (b *SessionBuilder) Events(evs ...core.Event) *SessionBuilder {
	b.events = append(b.events, evs...)
	return b
}

// Build returns a *core.Session with pre-populated state and events.
func (b *SessionBuilder) Build() *core.Session {
	return core.Restore(b.appName, b.userID, b.id, b.state, b.events, "", time.Now().UTC())
}
