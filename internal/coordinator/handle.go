// ABOUTME: Client handle over the coordinator's request queue
// ABOUTME: One exported method per operation, all safe for concurrent use

package coordinator

import (
	"context"
	"errors"

	"github.com/KunoiSayami/passcode-master/internal/store"
)

// ErrUnavailable is returned when a request cannot be submitted or answered
// because the coordinator has shut down.
var ErrUnavailable = errors.New("coordinator: unavailable")

// Handle is the client side of the coordinator. All methods are safe to
// call from any goroutine; each one enqueues a request and blocks until
// the reply arrives, the coordinator stops, or ctx is done.
type Handle struct {
	inbox chan request
	done  chan struct{}
}

func (h *Handle) submit(ctx context.Context, req request) error {
	select {
	case h.inbox <- req:
		return nil
	case <-h.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await collects the reply to an already-submitted request. When the
// coordinator shuts down after accepting the request, a reply may still
// have been delivered into the buffered channel; prefer it over the error.
func await[T any](ctx context.Context, h *Handle, reply chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			var zero T
			return zero, ErrUnavailable
		}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func roundTrip[T any](ctx context.Context, h *Handle, req request, reply chan T) (T, error) {
	if err := h.submit(ctx, req); err != nil {
		var zero T
		return zero, err
	}
	return await(ctx, h, reply)
}

// AddUser registers a user at the no-access level. It reports true when
// the row was created by this call and false when the user already existed.
func (h *Handle) AddUser(ctx context.Context, user int64) (bool, error) {
	reply := make(chan bool, 1)
	return roundTrip(ctx, h, addUserRequest{user: user, reply: reply}, reply)
}

// ApproveUser stores level for the user, creating the row when absent.
// The most recent approval always wins.
func (h *Handle) ApproveUser(ctx context.Context, user int64, level store.AccessLevel) error {
	reply := make(chan struct{}, 1)
	_, err := roundTrip(ctx, h, approveUserRequest{user: user, level: level, reply: reply}, reply)
	return err
}

// RevokeUser drops the user back to the no-access level.
func (h *Handle) RevokeUser(ctx context.Context, user int64) error {
	reply := make(chan struct{}, 1)
	_, err := roundTrip(ctx, h, revokeUserRequest{user: user, reply: reply}, reply)
	return err
}

// QueryUser returns the stored user, or nil when the user was never seen.
func (h *Handle) QueryUser(ctx context.Context, user int64) (*store.User, error) {
	reply := make(chan *store.User, 1)
	return roundTrip(ctx, h, queryUserRequest{user: user, reply: reply}, reply)
}

// AddCode records a new code and announces it on the bus. It reports false
// when the code was already present, in which case nothing is published.
func (h *Handle) AddCode(ctx context.Context, code string, messageRef int64) (bool, error) {
	reply := make(chan bool, 1)
	return roundTrip(ctx, h, addCodeRequest{code: code, messageRef: messageRef, reply: reply}, reply)
}

// QueryCode returns the stored code row, or nil for an unknown code.
func (h *Handle) QueryCode(ctx context.Context, code string) (*store.Code, error) {
	reply := make(chan *store.Code, 1)
	return roundTrip(ctx, h, queryCodeRequest{code: code, reply: reply}, reply)
}

// FinalizeCode marks the code finalized and returns the updated row.
// Finalizing twice is a no-op; an unknown code yields nil.
func (h *Handle) FinalizeCode(ctx context.Context, code string) (*store.Code, error) {
	reply := make(chan *store.Code, 1)
	return roundTrip(ctx, h, finalizeCodeRequest{code: code, reply: reply}, reply)
}

// ResendCode re-announces an existing code on the bus without touching its
// stored state. It reports false for an unknown code.
func (h *Handle) ResendCode(ctx context.Context, code string) (bool, error) {
	reply := make(chan bool, 1)
	return roundTrip(ctx, h, resendCodeRequest{code: code, reply: reply}, reply)
}

// SetCookie stores or refreshes a cookie session for owner. It reports
// false when the cookie belongs to a different owner or the owner is at
// the session ceiling.
func (h *Handle) SetCookie(ctx context.Context, owner int64, id, csrf, session string) (bool, error) {
	reply := make(chan bool, 1)
	return roundTrip(ctx, h, setCookieRequest{owner: owner, id: id, csrf: csrf, session: session, reply: reply}, reply)
}

// ToggleCookie flips the enabled flag of a stored cookie.
func (h *Handle) ToggleCookie(ctx context.Context, id string, enabled bool) error {
	reply := make(chan struct{}, 1)
	_, err := roundTrip(ctx, h, toggleCookieRequest{id: id, enabled: enabled, reply: reply}, reply)
	return err
}

// CheckCookieCapacity reports whether a submission for id by owner would
// be accepted under the given ceiling, without writing anything.
func (h *Handle) CheckCookieCapacity(ctx context.Context, id string, owner int64, ceiling int) (bool, error) {
	reply := make(chan bool, 1)
	return roundTrip(ctx, h, checkCookieCapacityRequest{id: id, owner: owner, ceiling: ceiling, reply: reply}, reply)
}

// QueryCookie returns the stored cookie, or nil when absent.
func (h *Handle) QueryCookie(ctx context.Context, id string) (*store.Cookie, error) {
	reply := make(chan *store.Cookie, 1)
	return roundTrip(ctx, h, queryCookieRequest{id: id, reply: reply}, reply)
}

// QueryCookiesByOwner lists every cookie stored for owner.
func (h *Handle) QueryCookiesByOwner(ctx context.Context, owner int64) ([]*store.Cookie, error) {
	reply := make(chan []*store.Cookie, 1)
	return roundTrip(ctx, h, queryCookiesByOwnerRequest{owner: owner, reply: reply}, reply)
}

// QueryAllCookies lists every stored cookie, optionally only enabled ones.
func (h *Handle) QueryAllCookies(ctx context.Context, enabledOnly bool) ([]*store.Cookie, error) {
	reply := make(chan []*store.Cookie, 1)
	return roundTrip(ctx, h, queryAllCookiesRequest{enabledOnly: enabledOnly, reply: reply}, reply)
}

// TouchCookie refreshes the last-login timestamp of a stored cookie.
func (h *Handle) TouchCookie(ctx context.Context, id string) error {
	reply := make(chan struct{}, 1)
	_, err := roundTrip(ctx, h, touchCookieRequest{id: id, reply: reply}, reply)
	return err
}

// InsertHistory appends an attempt record. errMsg is nil for a success.
func (h *Handle) InsertHistory(ctx context.Context, sessionID, code string, errMsg *string) error {
	reply := make(chan struct{}, 1)
	_, err := roundTrip(ctx, h, insertHistoryRequest{sessionID: sessionID, code: code, errMsg: errMsg, reply: reply}, reply)
	return err
}

// QueryHistory returns the bounded system-wide attempt log, newest first.
func (h *Handle) QueryHistory(ctx context.Context) ([]*store.HistoryEntry, error) {
	reply := make(chan []*store.HistoryEntry, 1)
	return roundTrip(ctx, h, queryHistoryRequest{reply: reply}, reply)
}

// QueryHistoryBySession returns the bounded attempt log for one session,
// newest first.
func (h *Handle) QueryHistoryBySession(ctx context.Context, sessionID string) ([]*store.HistoryEntry, error) {
	reply := make(chan []*store.HistoryEntry, 1)
	return roundTrip(ctx, h, queryHistoryRequest{sessionID: &sessionID, reply: reply}, reply)
}

// UpdateVersionStatus records the observed upstream version. Writing the
// same value again leaves the stored timestamp untouched.
func (h *Handle) UpdateVersionStatus(ctx context.Context, value string) error {
	reply := make(chan struct{}, 1)
	_, err := roundTrip(ctx, h, updateVersionStatusRequest{value: value, reply: reply}, reply)
	return err
}

// QueryVersionStatus returns the recorded upstream version, or nil when
// none was ever written.
func (h *Handle) QueryVersionStatus(ctx context.Context) (*store.VersionStatus, error) {
	reply := make(chan *store.VersionStatus, 1)
	return roundTrip(ctx, h, queryVersionStatusRequest{reply: reply}, reply)
}

// Terminate asks the coordinator to shut down. Requests already queued
// ahead of it still run to completion. Terminate returns once the request
// is enqueued; use Coordinator.Wait to observe completion.
func (h *Handle) Terminate(ctx context.Context) error {
	err := h.submit(ctx, terminateRequest{})
	if errors.Is(err, ErrUnavailable) {
		// Already stopped: terminating is idempotent.
		return nil
	}
	return err
}
