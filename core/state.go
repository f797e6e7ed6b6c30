package core

import "encoding/json"

// State holds the four key/value partitions visible to one session. The
// session partition is owned by the session itself, the user and app
// partitions are snapshots of storage shared at coarser granularity, and the
// temp partition lives only for the current invocation.
//
// State is not safe for concurrent use on its own; Session guards access
// with its lock and hands out copies.
type State struct {
	session map[string]any
	user    map[string]any
	app     map[string]any
	temp    map[string]any
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		session: map[string]any{},
		user:    map[string]any{},
		app:     map[string]any{},
		temp:    map[string]any{},
	}
}

func (s *State) partition(scope Scope) map[string]any {
	switch scope {
	case ScopeUser:
		return s.user
	case ScopeApp:
		return s.app
	case ScopeTemp:
		return s.temp
	default:
		return s.session
	}
}

// Get resolves a raw (possibly prefixed) key against the partition its scope
// selects. Reading never fails; absent keys report ok == false.
func (s *State) Get(raw string) (any, bool) {
	k := ParseKey(raw)
	v, ok := s.partition(k.Scope)[k.Key]
	return v, ok
}

// GetDefault returns the value for a key, or def if the key is absent.
func (s *State) GetDefault(raw string, def any) any {
	if v, ok := s.Get(raw); ok {
		return v
	}
	return def
}

// set routes a parsed key into its partition. Internal: external mutation
// goes through event deltas only.
func (s *State) set(k ScopedKey, v any) { s.partition(k.Scope)[k.Key] = v }

// applyDelta routes every raw-keyed entry of delta into its partition. The
// delta must have been validated with ValidateDelta beforehand.
func (s *State) applyDelta(delta map[string]any) {
	for raw, v := range delta {
		s.set(ParseKey(raw), v)
	}
}

// clearTemp drops the invocation-scoped partition.
func (s *State) clearTemp() { s.temp = map[string]any{} }

// Flatten returns the materialized view: one flat map whose keys keep their
// scope prefixes. Mutating the returned map does not affect the state.
func (s *State) Flatten() map[string]any {
	out := make(map[string]any, len(s.session)+len(s.user)+len(s.app)+len(s.temp))
	for k, v := range s.session {
		out[k] = v
	}
	for k, v := range s.user {
		out[userPrefix+k] = v
	}
	for k, v := range s.app {
		out[appPrefix+k] = v
	}
	for k, v := range s.temp {
		out[tempPrefix+k] = v
	}
	return out
}

// SessionPartition returns a copy of the session-scope partition (bare keys).
func (s *State) SessionPartition() map[string]any { return copyMap(s.session) }

// UserPartition returns a copy of the user-scope partition (bare keys).
func (s *State) UserPartition() map[string]any { return copyMap(s.user) }

// AppPartition returns a copy of the app-scope partition (bare keys).
func (s *State) AppPartition() map[string]any { return copyMap(s.app) }

// clone deep-copies the partition maps (values are shared; state values are
// treated as immutable once written).
func (s *State) clone() *State {
	return &State{
		session: copyMap(s.session),
		user:    copyMap(s.user),
		app:     copyMap(s.app),
		temp:    copyMap(s.temp),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidateDelta checks that every value in the delta can cross a process /
// persistence boundary (round-trips through JSON). It returns a
// *SerializationError naming the first offending key, or nil. Appends call
// this before touching any state so a bad value aborts the whole delta.
func ValidateDelta(delta map[string]any) error {
	for raw, v := range delta {
		if _, err := json.Marshal(v); err != nil {
			return &SerializationError{Key: raw, Err: err}
		}
	}
	return nil
}
