// Package memory implements the cross-session knowledge archive.
//
// A MemoryService ingests finished sessions and makes their conversation
// content searchable later, scoped to the (app, user) pair that owns it.
// Ingestion snapshots the session at that moment; later session mutations do
// not flow into the archive. Re-ingesting the same session id replaces its
// records, so AddSession is idempotent.
//
// Two backends are provided: InMemoryService keeps records in process memory
// with keyword-overlap scoring, SQLiteService persists them through
// modernc.org/sqlite with LIKE-based matching.
package memory
