// ABOUTME: Data types and sentinel errors for passcode-master persistence
// ABOUTME: Defines User, Code, Cookie, HistoryEntry, VersionStatus and AccessLevel

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateCode is returned when inserting a code that already exists.
var ErrDuplicateCode = errors.New("code already exists")

// ErrUnknownSchemaVersion is returned when the stored schema version has
// no migration path to the current version.
var ErrUnknownSchemaVersion = errors.New("unknown schema version")

// AccessLevel is a bitwise capability value stored per user.
// Approval sets the level to exactly the capability the approver picked;
// revocation resets to LevelNone.
type AccessLevel int64

const (
	// LevelNone is the lowest level, held by freshly added or revoked users.
	LevelNone AccessLevel = 0
	// LevelSend permits submitting passcodes.
	LevelSend AccessLevel = 1
	// LevelCookie permits managing session cookies.
	LevelCookie AccessLevel = 2
	// LevelAll is the reserved all-access value. It overlaps every request
	// by value rather than by bit mask.
	LevelAll AccessLevel = 0x7fffffff
)

// Granted reports whether a stored level satisfies the requested
// capability. It is the gate for command front ends deciding whether to
// act on an incoming request. The comparison is a bitwise-or overlap,
// kept bit-for-bit compatible with the historical behavior rather than
// a strict subset test.
func (l AccessLevel) Granted(stored AccessLevel) bool {
	return l|stored > 0
}

func (l AccessLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelSend:
		return "send"
	case LevelCookie:
		return "cookie"
	case LevelAll:
		return "all"
	default:
		return fmt.Sprintf("level(%d)", int64(l))
	}
}

// User is one chat identity. Rows are created on first contact and never
// deleted; only the access level changes afterwards.
type User struct {
	ID     int64
	Access AccessLevel
}

// Code is an announced passcode. Finalized transitions false to true
// exactly once and stays true.
type Code struct {
	Code       string
	MessageRef int64
	Finalized  bool
}

// Cookie is a stored session credential. Belong (the owning user) is
// immutable after insertion.
type Cookie struct {
	ID        string
	CSRFToken string
	SessionID string
	LastLogin int64 // unix seconds, 0 until first touch
	Belong    int64
	Enabled   bool
}

// HistoryEntry is one append-only usage log row.
type HistoryEntry struct {
	EntryID   int64
	Timestamp int64 // unix seconds
	SessionID string
	Code      string
	Error     *string
}

// VersionStatus is the status blob kept at meta['intel_v']. The JSON
// field names are part of the stored format and must not change.
type VersionStatus struct {
	Value    string `json:"v"`
	LastSeen int64  `json:"last"`
}

// Store defines the persistence operations the coordinator serializes.
// SQLiteStore is the only production implementation.
type Store interface {
	// Users
	FindUser(ctx context.Context, id int64) (*User, error)
	InsertUser(ctx context.Context, id int64, level AccessLevel) error
	SetUserLevel(ctx context.Context, id int64, level AccessLevel) error

	// Codes
	FindCode(ctx context.Context, code string) (*Code, error)
	InsertCode(ctx context.Context, code string, messageRef int64) error
	MarkFinalized(ctx context.Context, code string) error

	// Cookies
	FindCookie(ctx context.Context, id string) (*Cookie, error)
	ListCookiesByOwner(ctx context.Context, owner int64) ([]*Cookie, error)
	ListCookies(ctx context.Context, enabledOnly bool) ([]*Cookie, error)
	CountCookiesByOwner(ctx context.Context, owner int64) (int, error)
	UpsertCookie(ctx context.Context, owner int64, id, csrf, session string) (bool, error)
	SetCookieEnabled(ctx context.Context, id string, enabled bool) error
	TouchCookie(ctx context.Context, id string) error

	// History
	AppendHistory(ctx context.Context, sessionID, code string, errMsg *string) error
	ListHistory(ctx context.Context) ([]*HistoryEntry, error)
	ListHistoryBySession(ctx context.Context, sessionID string) ([]*HistoryEntry, error)

	// Meta
	ReadVersionStatus(ctx context.Context) (*VersionStatus, error)
	WriteVersionStatus(ctx context.Context, value string) error

	// Close releases the underlying connection
	Close() error
}
