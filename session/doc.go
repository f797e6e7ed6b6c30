// Package session provides core.SessionService implementations: a process
// local in-memory registry for tests and demos, a Redis-backed store for
// distributed deployments, and a GORM-backed store (SQLite by default) for
// single-node durability. A StoreConfig plus factory selects the backend
// without changing call sites.
//
// All backends enforce the same contract: sessions are keyed by the full
// (app, user, session) triple, user:/app: scoped state lives in shared
// partitions namespaced by (app, user) and (app), temp: scoped state is
// never persisted, and appends to one session are mutually excluded.
package session
