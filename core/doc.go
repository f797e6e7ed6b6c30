// Package core provides the foundational domain types and interfaces of
// agentstate. It defines the core abstractions for:
//
//   - Scoped state keys (session, user, app and invocation-temporary scopes)
//   - Events (immutable history records carrying atomic state deltas)
//   - Sessions (one state view + one event log per (app, user, session))
//   - ReadonlyContext / CallbackContext / ToolContext (graded access surfaces
//     for instruction generation, lifecycle hooks and tool implementations)
//   - Pluggable services for session registry, memory recall and artifacts
//
// The package intentionally keeps implementation concerns (persistence
// backends, orchestration, model calls) out of scope, exposing small
// interfaces so the session, memory and artifact packages can supply
// interchangeable backends.
package core
