// Package store provides the SQLite-backed Record Store.
//
// Records are written once and never updated:
//   - records: validated submissions keyed by their deterministic id
//   - schemas: every published schema version, for registry restore
//
// # Conditional insert
//
// PutIfAbsent runs INSERT ... ON CONFLICT(id) DO NOTHING and, when no row
// was inserted, selects the existing row in the same transaction. SQLite
// serializes writers, so exactly one caller inserts a given id.
//
// # Connection settings
//
// Passed as DSN parameters so every pooled connection gets them:
//   - _journal_mode=WAL
//   - _synchronous=NORMAL
//   - _busy_timeout=5000 (milliseconds)
//   - _txlock=immediate
//
// Schema changes after the initial tables are numbered migrations tracked
// in PRAGMA user_version.
//
// Field values are stored as canonical JSON (RFC 8785) produced by
// internal/ir, so the same record always serializes to the same bytes.
package store
