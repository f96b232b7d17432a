// ABOUTME: SQLite implementation of the persistent store using modernc.org/sqlite
// ABOUTME: One operation per entity action, no business rules, no internal retries

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)

// Query limits for the history log. Queries are always bounded to the
// most recent rows.
const (
	historyGlobalLimit  = 40
	historySessionLimit = 20
)

// SQLiteStore wraps the single live database connection. It carries no
// business rules; callers (the coordinator) serialize access.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if missing) the SQLite database at path and
// ensures the schema is at the current version. Parent directories are
// created if needed. A schema failure here is fatal: the caller must not
// proceed.
func Open(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Exactly one writer ever touches the store; keep a single live
	// connection so the pool cannot hand out a second one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	logger.Info("store initialized", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// isUniqueConstraintError checks for a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// FindUser retrieves a user by identity. Returns ErrNotFound if the user
// has never been seen.
func (s *SQLiteStore) FindUser(ctx context.Context, id int64) (*User, error) {
	var user User
	var access int64

	err := s.db.QueryRowContext(ctx,
		`SELECT "id", "authorized" FROM "users" WHERE "id" = ?`, id,
	).Scan(&user.ID, &access)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.Access = AccessLevel(access)
	return &user, nil
}

// InsertUser creates a user row with the given access level.
func (s *SQLiteStore) InsertUser(ctx context.Context, id int64, level AccessLevel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO "users" ("id", "authorized") VALUES (?, ?)`, id, int64(level),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("inserted user", "id", id, "level", level)
	return nil
}

// SetUserLevel updates a user's access level, inserting the row if it
// does not exist. Writing the already-stored level is a no-op.
func (s *SQLiteStore) SetUserLevel(ctx context.Context, id int64, level AccessLevel) error {
	user, err := s.FindUser(ctx, id)
	if err == ErrNotFound {
		return s.InsertUser(ctx, id, level)
	}
	if err != nil {
		return err
	}
	if user.Access == level {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE "users" SET "authorized" = ? WHERE "id" = ?`, int64(level), id,
	); err != nil {
		return fmt.Errorf("updating user level: %w", err)
	}

	s.logger.Debug("set user level", "id", id, "level", level)
	return nil
}

// FindCode retrieves a code row by token. Returns ErrNotFound for an
// unknown token.
func (s *SQLiteStore) FindCode(ctx context.Context, code string) (*Code, error) {
	var row Code
	var finalized int64

	err := s.db.QueryRowContext(ctx,
		`SELECT "code", "message_ref", "finalized" FROM "codes" WHERE "code" = ?`, code,
	).Scan(&row.Code, &row.MessageRef, &finalized)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying code: %w", err)
	}

	row.Finalized = finalized == 1
	return &row, nil
}

// InsertCode creates a code row referencing the outward announcement.
// Returns ErrDuplicateCode if the token already exists.
func (s *SQLiteStore) InsertCode(ctx context.Context, code string, messageRef int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO "codes" ("code", "message_ref") VALUES (?, ?)`, code, messageRef,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("inserting code: %w", err)
	}

	s.logger.Debug("inserted code", "code", code, "message_ref", messageRef)
	return nil
}

// MarkFinalized sets a code's finalized flag. The flag is monotonic:
// repeating the call leaves the row unchanged.
func (s *SQLiteStore) MarkFinalized(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE "codes" SET "finalized" = 1 WHERE "code" = ?`, code,
	); err != nil {
		return fmt.Errorf("marking code finalized: %w", err)
	}
	return nil
}

// FindCookie retrieves a cookie by identifier.
func (s *SQLiteStore) FindCookie(ctx context.Context, id string) (*Cookie, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT "id", "csrf_token", "session_id", "last_login", "belong", "enabled"
		FROM "cookies" WHERE "id" = ?`, id,
	)
	cookie, err := scanCookie(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cookie: %w", err)
	}
	return cookie, nil
}

func scanCookie(scan func(...any) error) (*Cookie, error) {
	var cookie Cookie
	var enabled int64

	if err := scan(
		&cookie.ID,
		&cookie.CSRFToken,
		&cookie.SessionID,
		&cookie.LastLogin,
		&cookie.Belong,
		&enabled,
	); err != nil {
		return nil, err
	}

	cookie.Enabled = enabled == 1
	return &cookie, nil
}

// ListCookiesByOwner returns all cookies belonging to one user.
func (s *SQLiteStore) ListCookiesByOwner(ctx context.Context, owner int64) ([]*Cookie, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "id", "csrf_token", "session_id", "last_login", "belong", "enabled"
		FROM "cookies" WHERE "belong" = ? ORDER BY "id"`, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cookies by owner: %w", err)
	}
	defer rows.Close()

	return collectCookies(rows)
}

// ListCookies returns all cookies, optionally restricted to enabled ones.
func (s *SQLiteStore) ListCookies(ctx context.Context, enabledOnly bool) ([]*Cookie, error) {
	query := `SELECT "id", "csrf_token", "session_id", "last_login", "belong", "enabled"
		FROM "cookies"`
	if enabledOnly {
		query += ` WHERE "enabled" = 1`
	}
	query += ` ORDER BY "id"`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying cookies: %w", err)
	}
	defer rows.Close()

	return collectCookies(rows)
}

func collectCookies(rows *sql.Rows) ([]*Cookie, error) {
	var cookies []*Cookie
	for rows.Next() {
		cookie, err := scanCookie(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning cookie row: %w", err)
		}
		cookies = append(cookies, cookie)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cookie rows: %w", err)
	}
	return cookies, nil
}

// CountCookiesByOwner returns the number of cookies a user holds.
func (s *SQLiteStore) CountCookiesByOwner(ctx context.Context, owner int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM "cookies" WHERE "belong" = ?`, owner,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting cookies: %w", err)
	}
	return count, nil
}

// UpsertCookie inserts a cookie, or updates its tokens when the row
// already exists and the caller-supplied owner matches. Returns false
// without touching the row when the owner differs: ownership is
// immutable after creation.
func (s *SQLiteStore) UpsertCookie(ctx context.Context, owner int64, id, csrf, session string) (bool, error) {
	existing, err := s.FindCookie(ctx, id)
	if err == ErrNotFound {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO "cookies" ("id", "csrf_token", "session_id", "last_login", "belong", "enabled")
			VALUES (?, ?, ?, 0, ?, 1)`, id, csrf, session, owner,
		); err != nil {
			return false, fmt.Errorf("inserting cookie: %w", err)
		}
		s.logger.Debug("inserted cookie", "id", id, "belong", owner)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if existing.Belong != owner {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE "cookies" SET "csrf_token" = ?, "session_id" = ? WHERE "id" = ?`,
		csrf, session, id,
	); err != nil {
		return false, fmt.Errorf("updating cookie: %w", err)
	}

	s.logger.Debug("updated cookie", "id", id)
	return true, nil
}

// SetCookieEnabled flips a cookie's enabled flag.
func (s *SQLiteStore) SetCookieEnabled(ctx context.Context, id string, enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE "cookies" SET "enabled" = ? WHERE "id" = ?`, value, id,
	); err != nil {
		return fmt.Errorf("toggling cookie: %w", err)
	}
	return nil
}

// TouchCookie sets a cookie's last-activity timestamp to now.
func (s *SQLiteStore) TouchCookie(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE "cookies" SET "last_login" = ? WHERE "id" = ?`,
		time.Now().Unix(), id,
	); err != nil {
		return fmt.Errorf("touching cookie: %w", err)
	}
	return nil
}

// AppendHistory adds one usage log row. History is append-only.
func (s *SQLiteStore) AppendHistory(ctx context.Context, sessionID, code string, errMsg *string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO "history" ("timestamp", "session_id", "code", "error") VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), sessionID, code, errMsg,
	); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent rows system-wide, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "entry_id", "timestamp", "session_id", "code", "error"
		FROM "history" ORDER BY "entry_id" DESC LIMIT ?`, historyGlobalLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

// ListHistoryBySession returns the most recent rows for one session,
// newest first.
func (s *SQLiteStore) ListHistoryBySession(ctx context.Context, sessionID string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "entry_id", "timestamp", "session_id", "code", "error"
		FROM "history" WHERE "session_id" = ? ORDER BY "entry_id" DESC LIMIT ?`,
		sessionID, historySessionLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session history: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(
			&entry.EntryID,
			&entry.Timestamp,
			&entry.SessionID,
			&entry.Code,
			&entry.Error,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return entries, nil
}

// ReadVersionStatus reads the status blob at meta['intel_v']. Returns
// ErrNotFound if it was never written.
func (s *SQLiteStore) ReadVersionStatus(ctx context.Context) (*VersionStatus, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT "value" FROM "meta" WHERE "key" = ?`, metaStatusKey,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying version status: %w", err)
	}

	var status VersionStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("decoding version status: %w", err)
	}
	return &status, nil
}

// WriteVersionStatus stores the status blob with a fresh last-seen
// timestamp. Writing the already-stored value is a no-op.
func (s *SQLiteStore) WriteVersionStatus(ctx context.Context, value string) error {
	current, err := s.ReadVersionStatus(ctx)
	if err != nil && err != ErrNotFound {
		return err
	}
	if current != nil && current.Value == value {
		return nil
	}

	raw, err := json.Marshal(VersionStatus{Value: value, LastSeen: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encoding version status: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO "meta" ("key", "value") VALUES (?, ?)
		ON CONFLICT("key") DO UPDATE SET "value" = excluded."value"`,
		metaStatusKey, string(raw),
	); err != nil {
		return fmt.Errorf("writing version status: %w", err)
	}

	s.logger.Debug("wrote version status", "value", value)
	return nil
}
