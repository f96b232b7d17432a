package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createV1Database builds a database with the original layout and some
// pre-migration rows.
func createV1Database(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(schemaV1)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO "users" ("id", "authorized") VALUES (1001, 2)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO "codes" ("code", "message_ref") VALUES ('ABCDE12345', 100)`)
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO "cookies" ("id", "csrf_token", "session_id", "last_login", "belong")
		VALUES ('agent_00001', 'csrf', 'sess', 0, 1001)`)
	require.NoError(t, err)

	for i, row := range []struct {
		ts      int64
		session string
		code    string
		errMsg  *string
	}{
		{1700000000, "alpha", "CODE1", nil},
		{1700000060, "beta", "CODE2", ptr("expired")},
		{1700000120, "alpha", "CODE3", nil},
	} {
		_, err = db.Exec(
			`INSERT INTO "history" ("timestamp", "session_id", "code", "error") VALUES (?, ?, ?, ?)`,
			row.ts, row.session, row.code, row.errMsg,
		)
		require.NoError(t, err, "history row %d", i)
	}
}

func ptr(s string) *string { return &s }

func TestSchema_FreshDatabase(t *testing.T) {
	s := setupTestStore(t)

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestSchema_InterruptedCreationRecovers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "partial.db")

	// Simulate a crash mid-creation: the DDL runs inside a transaction
	// that never commits, the same shape createSchema uses.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(schemaV2)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	// The rollback takes the tables with it, so no half-created state
	// (tables present, version marker absent) can survive.
	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM "sqlite_master" WHERE "type" = 'table'`).Scan(&tables)
	require.NoError(t, err)
	assert.Zero(t, tables)
	require.NoError(t, db.Close())

	// The next open starts from scratch and succeeds.
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
	require.NoError(t, s.InsertUser(context.Background(), 1001, LevelSend))
}

func TestSchema_MigrateV1ToV2(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")
	createV1Database(t, dbPath)

	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "2", version)

	// History rows survive with field values intact; the surrogate key
	// preserves insertion order.
	entries, err := s.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "CODE3", entries[0].Code)
	assert.Equal(t, int64(1700000120), entries[0].Timestamp)
	assert.Equal(t, "CODE1", entries[2].Code)
	require.NotNil(t, entries[1].Error)
	assert.Equal(t, "expired", *entries[1].Error)

	// Pre-migration cookies come out enabled
	cookie, err := s.FindCookie(ctx, "agent_00001")
	require.NoError(t, err)
	assert.True(t, cookie.Enabled)

	// Other tables untouched
	user, err := s.FindUser(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, LevelCookie, user.Access)

	code, err := s.FindCode(ctx, "ABCDE12345")
	require.NoError(t, err)
	assert.Equal(t, int64(100), code.MessageRef)

	// Appends keep working after the rebuild
	require.NoError(t, s.AppendHistory(ctx, "alpha", "CODE4", nil))
	entries, err = s.ListHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CODE4", entries[0].Code)
}

func TestSchema_MigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")
	createV1Database(t, dbPath)

	s, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an already-migrated database changes nothing
	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.ListHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSchema_UnknownVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "weird.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE "meta" ("key" TEXT NOT NULL, "value" TEXT, PRIMARY KEY("key"))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO "meta" ("key", "value") VALUES ('version', '99')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(dbPath)
	assert.ErrorIs(t, err, ErrUnknownSchemaVersion)
}
