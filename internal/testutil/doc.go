// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing core model objects (sessions, events,
// content parts). These helpers are intentionally minimal and are not
// intended for production usage.
package testutil
