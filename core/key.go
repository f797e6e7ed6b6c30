package core

import "strings"

// Scope identifies the partition a state key belongs to. The scope decides
// sharing and lifetime, not just the namespace: session keys live and die
// with one session, user keys are shared by all sessions of one (app, user)
// pair, app keys by all users of one app, and temp keys by a single
// invocation only.
type Scope int

const (
	// ScopeSession is the default scope for keys without a prefix.
	ScopeSession Scope = iota
	// ScopeUser covers keys written with the "user:" prefix.
	ScopeUser
	// ScopeApp covers keys written with the "app:" prefix.
	ScopeApp
	// ScopeTemp covers keys written with the "temp:" prefix. Temp entries
	// are never persisted and are discarded at the invocation boundary.
	ScopeTemp
)

// String returns the scope's key prefix ("" for session scope).
func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return userPrefix
	case ScopeApp:
		return appPrefix
	case ScopeTemp:
		return tempPrefix
	default:
		return ""
	}
}

const (
	userPrefix = "user:"
	appPrefix  = "app:"
	tempPrefix = "temp:"
)

// ScopedKey is a state key parsed into its scope and bare name. Parsing
// happens exactly once at the boundary; everything downstream dispatches on
// the Scope tag instead of re-inspecting string prefixes.
type ScopedKey struct {
	Scope Scope
	Key   string // bare key without the scope prefix
}

// ParseKey splits a raw state key into scope and bare key. Only the exact
// prefixes "user:", "app:" and "temp:" select a non-session scope; any other
// text before a colon is part of an ordinary session-scope key.
func ParseKey(raw string) ScopedKey {
	switch {
	case strings.HasPrefix(raw, userPrefix):
		return ScopedKey{Scope: ScopeUser, Key: raw[len(userPrefix):]}
	case strings.HasPrefix(raw, appPrefix):
		return ScopedKey{Scope: ScopeApp, Key: raw[len(appPrefix):]}
	case strings.HasPrefix(raw, tempPrefix):
		return ScopedKey{Scope: ScopeTemp, Key: raw[len(tempPrefix):]}
	default:
		return ScopedKey{Scope: ScopeSession, Key: raw}
	}
}

// String reassembles the raw, prefixed form of the key.
func (k ScopedKey) String() string { return k.Scope.String() + k.Key }

// UserKey builds a ScopedKey in the user scope.
func UserKey(key string) ScopedKey { return ScopedKey{Scope: ScopeUser, Key: key} }

// AppKey builds a ScopedKey in the app scope.
func AppKey(key string) ScopedKey { return ScopedKey{Scope: ScopeApp, Key: key} }

// TempKey builds a ScopedKey in the temp scope.
func TempKey(key string) ScopedKey { return ScopedKey{Scope: ScopeTemp, Key: key} }

// SessionKey builds a ScopedKey in the session scope.
func SessionKey(key string) ScopedKey { return ScopedKey{Scope: ScopeSession, Key: key} }
