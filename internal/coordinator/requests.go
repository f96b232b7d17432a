// ABOUTME: Tagged request variants carried over the coordinator's inbound queue
// ABOUTME: One variant per operation, each with its payload and single-use reply channel

package coordinator

import (
	"github.com/KunoiSayami/passcode-master/internal/store"
)

// request is one unit of work for the coordinator. Every variant carries
// a buffered single-use reply channel; the dispatcher delivers replies
// with a non-blocking send so an abandoned caller is harmless.
type request interface {
	kind() string
}

type addUserRequest struct {
	user  int64
	reply chan bool // true when the row was created on this call
}

func (addUserRequest) kind() string { return "user_add" }

type approveUserRequest struct {
	user  int64
	level store.AccessLevel
	reply chan struct{}
}

func (approveUserRequest) kind() string { return "user_approve" }

type revokeUserRequest struct {
	user  int64
	reply chan struct{}
}

func (revokeUserRequest) kind() string { return "user_revoke" }

type queryUserRequest struct {
	user  int64
	reply chan *store.User // nil when never seen
}

func (queryUserRequest) kind() string { return "user_query" }

type addCodeRequest struct {
	code       string
	messageRef int64
	reply      chan bool // false when the token already existed
}

func (addCodeRequest) kind() string { return "code_add" }

type queryCodeRequest struct {
	code  string
	reply chan *store.Code
}

func (queryCodeRequest) kind() string { return "code_query" }

type finalizeCodeRequest struct {
	code  string
	reply chan *store.Code // post-update row, nil for an unknown token
}

func (finalizeCodeRequest) kind() string { return "code_finalize" }

type resendCodeRequest struct {
	code  string
	reply chan bool // false for an unknown token
}

func (resendCodeRequest) kind() string { return "code_resend" }

type setCookieRequest struct {
	owner   int64
	id      string
	csrf    string
	session string
	reply   chan bool // false on ownership or capacity refusal
}

func (setCookieRequest) kind() string { return "cookie_set" }

type toggleCookieRequest struct {
	id      string
	enabled bool
	reply   chan struct{}
}

func (toggleCookieRequest) kind() string { return "cookie_toggle" }

type checkCookieCapacityRequest struct {
	id      string
	owner   int64
	ceiling int
	reply   chan bool
}

func (checkCookieCapacityRequest) kind() string { return "cookie_check_capacity" }

type queryCookieRequest struct {
	id    string
	reply chan *store.Cookie
}

func (queryCookieRequest) kind() string { return "cookie_query" }

type queryCookiesByOwnerRequest struct {
	owner int64
	reply chan []*store.Cookie
}

func (queryCookiesByOwnerRequest) kind() string { return "cookie_query_owner" }

type queryAllCookiesRequest struct {
	enabledOnly bool
	reply       chan []*store.Cookie
}

func (queryAllCookiesRequest) kind() string { return "cookie_query_all" }

type touchCookieRequest struct {
	id    string
	reply chan struct{}
}

func (touchCookieRequest) kind() string { return "cookie_touch" }

type insertHistoryRequest struct {
	sessionID string
	code      string
	errMsg    *string
	reply     chan struct{}
}

func (insertHistoryRequest) kind() string { return "history_insert" }

type queryHistoryRequest struct {
	sessionID *string // nil queries the bounded system-wide log
	reply     chan []*store.HistoryEntry
}

func (queryHistoryRequest) kind() string { return "history_query" }

type updateVersionStatusRequest struct {
	value string
	reply chan struct{}
}

func (updateVersionStatusRequest) kind() string { return "status_update" }

type queryVersionStatusRequest struct {
	reply chan *store.VersionStatus
}

func (queryVersionStatusRequest) kind() string { return "status_query" }

type terminateRequest struct{}

func (terminateRequest) kind() string { return "terminate" }
