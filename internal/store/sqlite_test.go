package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := Open(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestStore_InsertUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InsertUser(ctx, 1001, LevelNone)
	require.NoError(t, err)

	user, err := s.FindUser(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), user.ID)
	assert.Equal(t, LevelNone, user.Access)
}

func TestStore_FindUser_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.FindUser(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SetUserLevel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Creates the row when absent
	err := s.SetUserLevel(ctx, 1001, LevelCookie)
	require.NoError(t, err)

	user, err := s.FindUser(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, LevelCookie, user.Access)

	// Replaces, not unions, an existing level
	err = s.SetUserLevel(ctx, 1001, LevelSend)
	require.NoError(t, err)

	user, err = s.FindUser(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, LevelSend, user.Access)

	// Writing the stored level again is a no-op
	err = s.SetUserLevel(ctx, 1001, LevelSend)
	require.NoError(t, err)
}

func TestStore_InsertCode(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InsertCode(ctx, "ABCDE12345", 100)
	require.NoError(t, err)

	code, err := s.FindCode(ctx, "ABCDE12345")
	require.NoError(t, err)
	assert.Equal(t, "ABCDE12345", code.Code)
	assert.Equal(t, int64(100), code.MessageRef)
	assert.False(t, code.Finalized)
}

func TestStore_InsertCode_Duplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCode(ctx, "ABCDE12345", 100))

	err := s.InsertCode(ctx, "ABCDE12345", 101)
	assert.ErrorIs(t, err, ErrDuplicateCode)
}

func TestStore_MarkFinalized_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCode(ctx, "ABCDE12345", 100))

	require.NoError(t, s.MarkFinalized(ctx, "ABCDE12345"))
	code, err := s.FindCode(ctx, "ABCDE12345")
	require.NoError(t, err)
	assert.True(t, code.Finalized)

	// Second call leaves the row unchanged, no error
	require.NoError(t, s.MarkFinalized(ctx, "ABCDE12345"))
	code, err = s.FindCode(ctx, "ABCDE12345")
	require.NoError(t, err)
	assert.True(t, code.Finalized)
}

func TestStore_UpsertCookie_InsertAndUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ok, err := s.UpsertCookie(ctx, 1001, "agent_00001", "csrf-a", "sess-a")
	require.NoError(t, err)
	assert.True(t, ok)

	cookie, err := s.FindCookie(ctx, "agent_00001")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), cookie.Belong)
	assert.Equal(t, "csrf-a", cookie.CSRFToken)
	assert.True(t, cookie.Enabled)
	assert.Zero(t, cookie.LastLogin)

	// Same owner may refresh the tokens
	ok, err = s.UpsertCookie(ctx, 1001, "agent_00001", "csrf-b", "sess-b")
	require.NoError(t, err)
	assert.True(t, ok)

	cookie, err = s.FindCookie(ctx, "agent_00001")
	require.NoError(t, err)
	assert.Equal(t, "csrf-b", cookie.CSRFToken)
	assert.Equal(t, "sess-b", cookie.SessionID)
}

func TestStore_UpsertCookie_OwnerMismatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ok, err := s.UpsertCookie(ctx, 1001, "agent_00001", "csrf-a", "sess-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpsertCookie(ctx, 2002, "agent_00001", "csrf-x", "sess-x")
	require.NoError(t, err)
	assert.False(t, ok)

	// Row untouched
	cookie, err := s.FindCookie(ctx, "agent_00001")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), cookie.Belong)
	assert.Equal(t, "csrf-a", cookie.CSRFToken)
}

func TestStore_ListCookies(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("agent_%05d", i)
		_, err := s.UpsertCookie(ctx, 1001, id, "csrf", "sess")
		require.NoError(t, err)
	}
	require.NoError(t, s.SetCookieEnabled(ctx, "agent_00001", false))

	all, err := s.ListCookies(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	enabled, err := s.ListCookies(ctx, true)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	count, err := s.CountCookiesByOwner(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	owned, err := s.ListCookiesByOwner(ctx, 1001)
	require.NoError(t, err)
	assert.Len(t, owned, 3)
}

func TestStore_TouchCookie(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertCookie(ctx, 1001, "agent_00001", "csrf", "sess")
	require.NoError(t, err)

	before := time.Now().Unix()
	require.NoError(t, s.TouchCookie(ctx, "agent_00001"))

	cookie, err := s.FindCookie(ctx, "agent_00001")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cookie.LastLogin, before)
}

func TestStore_History_Limits(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		session := "alpha"
		if i%2 == 0 {
			session = "beta"
		}
		require.NoError(t, s.AppendHistory(ctx, session, fmt.Sprintf("CODE%05d", i), nil))
	}

	entries, err := s.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, historyGlobalLimit)
	// Newest first
	assert.Equal(t, "CODE00049", entries[0].Code)

	filtered, err := s.ListHistoryBySession(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, filtered, historySessionLimit)
	for _, entry := range filtered {
		assert.Equal(t, "alpha", entry.SessionID)
	}
}

func TestStore_History_Error(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	msg := "expired"
	require.NoError(t, s.AppendHistory(ctx, "alpha", "CODE1", &msg))
	require.NoError(t, s.AppendHistory(ctx, "alpha", "CODE2", nil))

	entries, err := s.ListHistoryBySession(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].Error)
	require.NotNil(t, entries[1].Error)
	assert.Equal(t, "expired", *entries[1].Error)
}

func TestStore_VersionStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.ReadVersionStatus(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.WriteVersionStatus(ctx, "5.1.0"))

	status, err := s.ReadVersionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5.1.0", status.Value)
	assert.NotZero(t, status.LastSeen)

	// Unchanged value keeps the original timestamp
	first := status.LastSeen
	require.NoError(t, s.WriteVersionStatus(ctx, "5.1.0"))
	status, err = s.ReadVersionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, status.LastSeen)

	require.NoError(t, s.WriteVersionStatus(ctx, "5.2.0"))
	status, err = s.ReadVersionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5.2.0", status.Value)
}

func TestAccessLevel_Granted(t *testing.T) {
	// Overlap is by bitwise-or value, not strict subset
	assert.True(t, LevelSend.Granted(LevelAll))
	assert.True(t, LevelCookie.Granted(LevelAll))
	assert.True(t, LevelSend.Granted(LevelSend))
	assert.True(t, LevelCookie.Granted(LevelSend))
}

func TestAccessLevel_String(t *testing.T) {
	assert.Equal(t, "none", LevelNone.String())
	assert.Equal(t, "send", LevelSend.String())
	assert.Equal(t, "cookie", LevelCookie.String())
	assert.Equal(t, "all", LevelAll.String())
}
