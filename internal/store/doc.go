// Package store provides persistent storage for passcode-master using SQLite.
//
// # Architecture
//
// SQLiteStore wraps the single live database connection and exposes one
// method per entity action (users, codes, cookies, history, meta). It
// enforces no business rules and never retries: serialization and policy
// belong to the coordinator, which is the store's only caller at runtime.
//
// # Data Models
//
//   - User: chat identity with a bitwise AccessLevel
//   - Code: announced passcode with a monotonic finalized flag
//   - Cookie: session credential (CSRF + session token) scoped to an owner
//   - HistoryEntry: append-only usage log row
//   - VersionStatus: status blob kept at meta['intel_v']
//
// # Schema Versioning
//
// The schema version lives at meta['version']. Open creates the current
// layout on a fresh database, or applies forward migrations one step at a
// time; each step commits together with the version marker so an
// interrupted migration can be retried safely. An unrecognized stored
// version fails startup with ErrUnknownSchemaVersion.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL
//	MaxOpenConns(1)  -- exactly one live connection, single-writer model
package store
