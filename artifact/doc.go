// Package artifact contains concrete implementations of core.ArtifactStore.
//
// The canonical ArtifactStore interface lives in the core package to avoid
// dependency cycles and keep domain contracts central. Implementation
// packages like this one provide storage backends that can be swapped
// without touching calling code.
//
// Artifacts are keyed by the full (app, user, session, artifact) tuple so a
// store shared across tenants still isolates their data by construction.
package artifact
