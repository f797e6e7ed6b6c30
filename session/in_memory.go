package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// tripleKey identifies one session within the registry.
type tripleKey struct {
	app, user, id string
}

// pairKey identifies one (app, user) partition of shared state.
type pairKey struct {
	app, user string
}

// InMemoryService is a volatile SessionService storing sessions in process
// local maps. It is safe for concurrent access and best suited for tests or
// ephemeral demo servers.
//
// The registry owns the canonical Session records plus the shared user and
// app partitions; sessions returned by Get/List/Create are clones with the
// shared partitions merged in, so external mutation cannot bypass the
// append path. Appends to one session are serialized by the canonical
// record's own lock; different sessions never contend.
type InMemoryService struct {
	mu        sync.RWMutex
	sessions  map[tripleKey]*core.Session
	userState map[pairKey]map[string]any
	appState  map[string]map[string]any
	logger    logging.Logger
}

// NewInMemoryService constructs an empty in-memory session registry.
func NewInMemoryService(logger logging.Logger) *InMemoryService {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &InMemoryService{
		sessions:  make(map[tripleKey]*core.Session),
		userState: make(map[pairKey]map[string]any),
		appState:  make(map[string]map[string]any),
		logger:    logger,
	}
}

// Create registers a new session for the (app, user) pair. An empty
// sessionID generates a random identifier; a duplicate triple fails with
// core.ErrAlreadyExists. Prefixed keys in initialState are routed to their
// partitions; temp:-scoped keys are rejected since they cannot outlive an
// invocation, let alone a create call.
func (s *InMemoryService) Create(ctx context.Context, appName, userID, sessionID string, initialState map[string]any) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := core.ValidateDelta(initialState); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = core.NewID()
	}

	sessionPart, userPart, appPart, err := splitInitialState(initialState)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tripleKey{appName, userID, sessionID}
	if _, exists := s.sessions[key]; exists {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrAlreadyExists)
	}

	rec := core.NewSession(appName, userID, sessionID)
	if len(sessionPart) > 0 {
		// Seed through a synthetic state event so the session partition
		// stays a pure projection of the event log.
		if _, err := rec.AppendEvent(core.NewStateEvent("", "system", sessionPart)); err != nil {
			return nil, err
		}
	}
	s.sessions[key] = rec
	s.mergeSharedLocked(appName, userID, userPart, appPart)

	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return s.snapshotLocked(rec), nil
}

// Get returns a merged snapshot of the session or core.ErrNotFound.
func (s *InMemoryService) Get(ctx context.Context, appName, userID, sessionID string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[tripleKey{appName, userID, sessionID}]
	if !ok {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
	}
	return s.snapshotLocked(rec), nil
}

// List returns snapshots of every session for the (app, user) pair.
func (s *InMemoryService) List(ctx context.Context, appName, userID string) ([]*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Session
	for key, rec := range s.sessions {
		if key.app == appName && key.user == userID {
			out = append(out, s.snapshotLocked(rec))
		}
	}
	return out, nil
}

// Delete removes the session and its session-scope state. The shared user
// and app partitions are left untouched.
func (s *InMemoryService) Delete(ctx context.Context, appName, userID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tripleKey{appName, userID, sessionID}
	if _, ok := s.sessions[key]; !ok {
		return fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
	}
	delete(s.sessions, key)
	s.logger.Debug("session deleted", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return nil
}

// AppendEvent applies the event to the canonical record (atomic merge plus
// log append under the record's lock), routes user:/app: delta entries into
// the shared partitions, and replays the event onto the caller's snapshot so
// it observes the change.
func (s *InMemoryService) AppendEvent(ctx context.Context, sess *core.Session, ev core.Event) (core.Event, error) {
	if err := ctx.Err(); err != nil {
		return core.Event{}, err
	}
	s.mu.RLock()
	rec, ok := s.sessions[tripleKey{sess.AppName, sess.UserID, sess.ID}]
	s.mu.RUnlock()
	if !ok {
		return core.Event{}, fmt.Errorf("session %s/%s/%s: %w", sess.AppName, sess.UserID, sess.ID, core.ErrNotFound)
	}

	applied, err := rec.AppendEvent(ev)
	if err != nil {
		return core.Event{}, err
	}

	userPart, appPart := sharedDelta(applied.Actions.StateDelta)
	if len(userPart) > 0 || len(appPart) > 0 {
		s.mu.Lock()
		s.mergeSharedLocked(sess.AppName, sess.UserID, userPart, appPart)
		s.mu.Unlock()
	}

	if sess != rec {
		if _, err := sess.AppendEvent(applied); err != nil {
			return core.Event{}, err
		}
	}
	return applied, nil
}

// AppendEventWith runs build against the canonical record under its append
// lock, so a read-increment-write executes without a concurrent append
// sliding in between. The getter also resolves user:/app: keys against the
// registry's shared partitions.
func (s *InMemoryService) AppendEventWith(ctx context.Context, sess *core.Session, invocationID, author string, build func(get func(key string) (any, bool)) map[string]any) (core.Event, error) {
	if err := ctx.Err(); err != nil {
		return core.Event{}, err
	}
	// Snapshot the shared partitions before taking the record's append
	// lock; the registry lock is never acquired inside it.
	s.mu.RLock()
	rec, ok := s.sessions[tripleKey{sess.AppName, sess.UserID, sess.ID}]
	userShared := copySharedMap(s.userState[pairKey{sess.AppName, sess.UserID}])
	appShared := copySharedMap(s.appState[sess.AppName])
	s.mu.RUnlock()
	if !ok {
		return core.Event{}, fmt.Errorf("session %s/%s/%s: %w", sess.AppName, sess.UserID, sess.ID, core.ErrNotFound)
	}

	applied, err := rec.AppendEventWith(invocationID, author, func(get func(string) (any, bool)) map[string]any {
		return build(func(key string) (any, bool) {
			if v, ok := get(key); ok {
				return v, true
			}
			k := core.ParseKey(key)
			switch k.Scope {
			case core.ScopeUser:
				v, ok := userShared[k.Key]
				return v, ok
			case core.ScopeApp:
				v, ok := appShared[k.Key]
				return v, ok
			}
			return nil, false
		})
	})
	if err != nil {
		return core.Event{}, err
	}

	userPart, appPart := sharedDelta(applied.Actions.StateDelta)
	if len(userPart) > 0 || len(appPart) > 0 {
		s.mu.Lock()
		s.mergeSharedLocked(sess.AppName, sess.UserID, userPart, appPart)
		s.mu.Unlock()
	}

	if sess != rec {
		if _, err := sess.AppendEvent(applied); err != nil {
			return core.Event{}, err
		}
	}
	return applied, nil
}

func copySharedMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// snapshotLocked clones the canonical record and overlays the current shared
// partitions; caller holds at least the read lock.
func (s *InMemoryService) snapshotLocked(rec *core.Session) *core.Session {
	clone := rec.Clone()
	clone.LoadShared(s.userState[pairKey{rec.AppName, rec.UserID}], s.appState[rec.AppName])
	return clone
}

func (s *InMemoryService) mergeSharedLocked(appName, userID string, userPart, appPart map[string]any) {
	if len(userPart) > 0 {
		pk := pairKey{appName, userID}
		if s.userState[pk] == nil {
			s.userState[pk] = map[string]any{}
		}
		for k, v := range userPart {
			s.userState[pk][k] = v
		}
	}
	if len(appPart) > 0 {
		if s.appState[appName] == nil {
			s.appState[appName] = map[string]any{}
		}
		for k, v := range appPart {
			s.appState[appName][k] = v
		}
	}
}

// splitInitialState routes raw initial-state keys into session/user/app
// parts (bare keys). temp: keys are rejected.
func splitInitialState(initial map[string]any) (sessionPart, userPart, appPart map[string]any, err error) {
	sessionPart = map[string]any{}
	userPart = map[string]any{}
	appPart = map[string]any{}
	for raw, v := range initial {
		k := core.ParseKey(raw)
		switch k.Scope {
		case core.ScopeUser:
			userPart[k.Key] = v
		case core.ScopeApp:
			appPart[k.Key] = v
		case core.ScopeTemp:
			return nil, nil, nil, fmt.Errorf("initial state key %q: temp-scoped keys cannot be persisted", raw)
		default:
			sessionPart[k.Key] = v
		}
	}
	return sessionPart, userPart, appPart, nil
}

// sharedDelta extracts the user:/app: entries of a delta as bare-keyed maps.
func sharedDelta(delta map[string]any) (userPart, appPart map[string]any) {
	for raw, v := range delta {
		k := core.ParseKey(raw)
		switch k.Scope {
		case core.ScopeUser:
			if userPart == nil {
				userPart = map[string]any{}
			}
			userPart[k.Key] = v
		case core.ScopeApp:
			if appPart == nil {
				appPart = map[string]any{}
			}
			appPart[k.Key] = v
		}
	}
	return userPart, appPart
}
