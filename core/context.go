package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentstate/logging"
)

// ReadonlyContext is the surface handed to instruction-generation and other
// inspect-only consumers. It exposes identifiers and scope-resolved state
// reads but no mutation path: SetState always fails with ErrReadOnly so a
// misuse surfaces loudly instead of silently dropping a write.
type ReadonlyContext struct {
	sess         *Session
	invocationID string
}

// NewReadonlyContext builds a read-only view over a session for the given
// invocation. The session's temp partition is aligned to the invocation id
// before any read, so entries from a previous invocation are already gone.
func NewReadonlyContext(sess *Session, invocationID string) *ReadonlyContext {
	if invocationID != "" {
		sess.BeginInvocation(invocationID)
	}
	return &ReadonlyContext{sess: sess, invocationID: invocationID}
}

// AppName returns the owning application name.
func (rc *ReadonlyContext) AppName() string { return rc.sess.AppName }

// UserID returns the owning user id.
func (rc *ReadonlyContext) UserID() string { return rc.sess.UserID }

// SessionID returns the session id.
func (rc *ReadonlyContext) SessionID() string { return rc.sess.ID }

// InvocationID returns the current invocation id.
func (rc *ReadonlyContext) InvocationID() string { return rc.invocationID }

// GetState resolves a raw (possibly prefixed) key against the session's
// state view.
func (rc *ReadonlyContext) GetState(key string) (any, bool) { return rc.sess.GetState(key) }

// GetStateDefault returns the value for key or def if absent.
func (rc *ReadonlyContext) GetStateDefault(key string, def any) any {
	return rc.sess.GetStateDefault(key, def)
}

// StateMap returns the flattened materialized state (copy).
func (rc *ReadonlyContext) StateMap() map[string]any { return rc.sess.Materialized() }

// SetState always fails: this context grants read access only.
func (rc *ReadonlyContext) SetState(string, any) error { return ErrReadOnly }

// Events returns a copy of the session's event log.
func (rc *ReadonlyContext) Events() []Event { return rc.sess.Events() }

// CallbackContext extends the read-only view with an explicit write-staging
// surface for policy hooks and lifecycle callbacks. SetState never mutates
// the session directly: writes accumulate in a delta that only becomes
// visible when the surrounding layer appends the built event. This keeps the
// atomicity of state changes auditable; there is no hidden side channel.
type CallbackContext struct {
	*ReadonlyContext
	actions EventActions

	*loggerAdapter
}

// NewCallbackContext builds a delta-staging context over a session.
func NewCallbackContext(sess *Session, invocationID string, logger logging.Logger) *CallbackContext {
	return &CallbackContext{
		ReadonlyContext: NewReadonlyContext(sess, invocationID),
		actions:         EventActions{},
		loggerAdapter:   newLoggerAdapter(logger),
	}
}

// GetState reads staged values first, then the session view, so a hook sees
// its own pending writes.
func (cc *CallbackContext) GetState(key string) (any, bool) {
	if v, ok := cc.actions.StateDelta[key]; ok {
		return v, true
	}
	return cc.sess.GetState(key)
}

// SetState stages a state mutation into the pending delta. The value is
// validated for serializability immediately so a bad value fails at the
// write site rather than at commit.
func (cc *CallbackContext) SetState(key string, value any) error {
	if err := ValidateDelta(map[string]any{key: value}); err != nil {
		return err
	}
	if cc.actions.StateDelta == nil {
		cc.actions.StateDelta = map[string]any{}
	}
	cc.actions.StateDelta[key] = value
	return nil
}

// Actions returns the accumulated event actions.
func (cc *CallbackContext) Actions() *EventActions { return &cc.actions }

// BuildEvent captures the staged delta into a new event authored by author.
// The staged buffers are reset; appending the returned event through the
// SessionService commits the changes atomically.
func (cc *CallbackContext) BuildEvent(author string) Event {
	ev := NewEvent(cc.invocationID, author)
	ev.Actions = cc.actions
	cc.actions = EventActions{}
	return ev
}

// ToolContext is the surface for tool / function implementations. On top of
// delta staging it wires memory recall and artifact persistence, all scoped
// by the owning session's (app, user, session) triple.
type ToolContext struct {
	*CallbackContext
	functionCallID string
	memory         MemoryService
	artifacts      ArtifactStore
}

// NewToolContext constructs a tool context bound to a function call id.
// memory and artifacts may be nil when the surrounding application does not
// provide those services; the corresponding operations then fail cleanly.
func NewToolContext(sess *Session, invocationID, functionCallID string, memory MemoryService, artifacts ArtifactStore, logger logging.Logger) *ToolContext {
	return &ToolContext{
		CallbackContext: NewCallbackContext(sess, invocationID, logger),
		functionCallID:  functionCallID,
		memory:          memory,
		artifacts:       artifacts,
	}
}

// FunctionCallID returns the function call id associated with the tool
// invocation.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// SearchMemory performs a recall query against the configured MemoryService,
// scoped to the session's (app, user) pair.
func (tc *ToolContext) SearchMemory(ctx context.Context, query string, limit int) ([]MemoryResult, error) {
	if tc.memory == nil {
		return nil, fmt.Errorf("memory service not configured")
	}
	return tc.memory.Search(ctx, tc.AppName(), tc.UserID(), query, limit)
}

// SaveArtifact persists artifact bytes and records the delta size for the
// next built event.
func (tc *ToolContext) SaveArtifact(ctx context.Context, id string, data []byte) error {
	if tc.artifacts == nil {
		return fmt.Errorf("artifact store not configured")
	}
	if err := tc.artifacts.Save(ctx, tc.AppName(), tc.UserID(), tc.SessionID(), id, data); err != nil {
		return err
	}
	if tc.actions.ArtifactDelta == nil {
		tc.actions.ArtifactDelta = map[string]int{}
	}
	tc.actions.ArtifactDelta[id] = len(data)
	return nil
}

// LoadArtifact retrieves a persisted artifact by id.
func (tc *ToolContext) LoadArtifact(ctx context.Context, id string) ([]byte, error) {
	if tc.artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return tc.artifacts.Get(ctx, tc.AppName(), tc.UserID(), tc.SessionID(), id)
}

// ListArtifacts returns artifact ids stored for the session.
func (tc *ToolContext) ListArtifacts(ctx context.Context) ([]string, error) {
	if tc.artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return tc.artifacts.List(ctx, tc.AppName(), tc.UserID(), tc.SessionID())
}

// History returns the filtered conversation history for context assembly.
func (tc *ToolContext) History() []Event { return tc.sess.ConversationHistory() }
