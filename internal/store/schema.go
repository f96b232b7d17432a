// ABOUTME: Schema versions, DDL and forward migrations for the SQLite store
// ABOUTME: ensureSchema creates the current layout or migrates one step at a time

package store

import (
	"database/sql"
	"fmt"
)

// currentSchemaVersion is the version recorded at meta['version'] after
// ensureSchema completes.
const currentSchemaVersion = "2"

// metaVersionKey and metaStatusKey are the well-known meta table keys.
const (
	metaVersionKey = "version"
	metaStatusKey  = "intel_v"
)

// schemaV1 is the original layout, kept for the migration chain. The
// history table had no surrogate key and cookies had no enabled flag.
const schemaV1 = `
	CREATE TABLE "codes" (
		"code"	TEXT NOT NULL UNIQUE,
		"message_ref"	INTEGER NOT NULL UNIQUE,
		"finalized"	INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY("code")
	);

	CREATE TABLE "meta" (
		"key"	TEXT NOT NULL,
		"value"	TEXT,
		PRIMARY KEY("key")
	);

	CREATE TABLE "users" (
		"id"	INTEGER NOT NULL,
		"authorized"	INTEGER NOT NULL,
		PRIMARY KEY("id")
	);

	CREATE TABLE "cookies" (
		"id"	TEXT NOT NULL,
		"csrf_token"	TEXT NOT NULL,
		"session_id"	TEXT NOT NULL,
		"last_login"	INTEGER NOT NULL,
		"belong"	INTEGER NOT NULL,
		PRIMARY KEY("id")
	);

	CREATE TABLE "history" (
		"timestamp"	INTEGER NOT NULL,
		"session_id"	TEXT NOT NULL,
		"code"	TEXT NOT NULL,
		"error"	TEXT
	);

	INSERT INTO "meta" ("key", "value") VALUES ('version', '1');
`

// schemaV2 is the full current-version DDL, executed on a fresh database.
const schemaV2 = `
	CREATE TABLE "codes" (
		"code"	TEXT NOT NULL UNIQUE,
		"message_ref"	INTEGER NOT NULL UNIQUE,
		"finalized"	INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY("code")
	);

	CREATE TABLE "meta" (
		"key"	TEXT NOT NULL,
		"value"	TEXT,
		PRIMARY KEY("key")
	);

	CREATE TABLE "users" (
		"id"	INTEGER NOT NULL,
		"authorized"	INTEGER NOT NULL,
		PRIMARY KEY("id")
	);

	CREATE TABLE "cookies" (
		"id"	TEXT NOT NULL,
		"csrf_token"	TEXT NOT NULL,
		"session_id"	TEXT NOT NULL,
		"last_login"	INTEGER NOT NULL,
		"belong"	INTEGER NOT NULL,
		"enabled"	INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY("id")
	);

	CREATE TABLE "history" (
		"entry_id"	INTEGER PRIMARY KEY AUTOINCREMENT,
		"timestamp"	INTEGER NOT NULL,
		"session_id"	TEXT NOT NULL,
		"code"	TEXT NOT NULL,
		"error"	TEXT
	);
`

// migration is one forward step of the schema chain. Steps are applied
// sequentially until the stored version reaches currentSchemaVersion.
// Each step runs inside a transaction together with the version marker
// update, so a failed step leaves the marker unchanged and a rerun
// retries safely.
type migration struct {
	from  string
	apply func(tx *sql.Tx) error
}

var migrations = []migration{
	{from: "1", apply: migrateV1ToV2},
}

// migrateV1ToV2 rebuilds the history table into the auto-incrementing
// layout, preserving existing rows, and adds the cookies enabled flag.
func migrateV1ToV2(tx *sql.Tx) error {
	steps := []string{
		`ALTER TABLE "cookies" ADD COLUMN "enabled" INTEGER NOT NULL DEFAULT 1`,
		`CREATE TABLE "history_new" (
			"entry_id"	INTEGER PRIMARY KEY AUTOINCREMENT,
			"timestamp"	INTEGER NOT NULL,
			"session_id"	TEXT NOT NULL,
			"code"	TEXT NOT NULL,
			"error"	TEXT
		)`,
		`INSERT INTO "history_new" ("timestamp", "session_id", "code", "error")
			SELECT "timestamp", "session_id", "code", "error" FROM "history"`,
		`DROP TABLE "history"`,
		`ALTER TABLE "history_new" RENAME TO "history"`,
	}

	for _, stmt := range steps {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration step: %w", err)
		}
	}
	return nil
}

// ensureSchema creates the current schema on a fresh database, or walks
// the migration chain one step at a time until the stored version matches
// currentSchemaVersion. Any failure here is fatal to startup: the process
// must not run against an indeterminate schema.
func (s *SQLiteStore) ensureSchema() error {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'meta'`,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return s.createSchema()
	}
	if err != nil {
		return fmt.Errorf("checking meta table: %w", err)
	}

	return s.migrate()
}

// createSchema executes the full current-version DDL and records the
// version marker. Both run in one transaction: an interrupted creation
// rolls back entirely, so a rerun starts from a clean database instead
// of finding tables with no version marker.
func (s *SQLiteStore) createSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV2); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO "meta" ("key", "value") VALUES (?, ?)`,
		metaVersionKey, currentSchemaVersion,
	); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}

	s.logger.Info("created schema", "version", currentSchemaVersion)
	return nil
}

// migrate advances the stored schema version to current, one step per
// loop iteration.
func (s *SQLiteStore) migrate() error {
	for {
		version, err := s.schemaVersion()
		if err != nil {
			return err
		}
		if version == currentSchemaVersion {
			return nil
		}

		step, ok := findMigration(version)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSchemaVersion, version)
		}

		if err := s.applyMigration(step); err != nil {
			return fmt.Errorf("migrating from version %s: %w", version, err)
		}
		s.logger.Info("applied schema migration", "from", version)
	}
}

func findMigration(version string) (migration, bool) {
	for _, m := range migrations {
		if m.from == version {
			return m, true
		}
	}
	return migration{}, false
}

// applyMigration runs one migration step and the version marker update
// in a single transaction.
func (s *SQLiteStore) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.apply(tx); err != nil {
		return err
	}

	next, err := nextVersion(m.from)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE "meta" SET "value" = ? WHERE "key" = ?`, next, metaVersionKey,
	); err != nil {
		return fmt.Errorf("advancing schema version: %w", err)
	}

	return tx.Commit()
}

func nextVersion(version string) (string, error) {
	var n int
	if _, err := fmt.Sscanf(version, "%d", &n); err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownSchemaVersion, version)
	}
	return fmt.Sprintf("%d", n+1), nil
}

// schemaVersion reads the stored version marker.
func (s *SQLiteStore) schemaVersion() (string, error) {
	var version string
	err := s.db.QueryRow(
		`SELECT "value" FROM "meta" WHERE "key" = ?`, metaVersionKey,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: version marker missing", ErrUnknownSchemaVersion)
	}
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}
