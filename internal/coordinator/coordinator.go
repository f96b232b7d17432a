// ABOUTME: Single-goroutine coordinator owning the store and serializing all access
// ABOUTME: Runs requests to completion in FIFO order and publishes lifecycle events

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KunoiSayami/passcode-master/internal/bus"
	"github.com/KunoiSayami/passcode-master/internal/store"
)

const (
	// DefaultQueueSize bounds the inbound request queue. Submissions past
	// a full queue block the caller, which is the intended backpressure.
	DefaultQueueSize = 2048

	// DefaultCookieCeiling is the per-owner limit of stored cookie sessions.
	DefaultCookieCeiling = 2
)

// Options configures a coordinator. The zero value is usable; zero fields
// fall back to the package defaults.
type Options struct {
	QueueSize     int
	CookieCeiling int
	BusBuffer     int
	Logger        *slog.Logger
}

// Coordinator owns the store connection. Exactly one goroutine reads the
// inbox and touches the store, so every operation observes the effects of
// all earlier ones and no two operations interleave.
type Coordinator struct {
	store   store.Store
	bus     *bus.Bus
	inbox   chan request
	done    chan struct{}
	ctx     context.Context // lifetime of the loop, passed to store calls
	ceiling int
	logger  *slog.Logger

	runErr error // set before done is closed, read after
}

// Start opens the coordinator loop over st and returns it together with
// the client handle. The coordinator takes ownership of st and closes it
// on shutdown. Events are published on b, which outlives the coordinator
// only long enough to deliver the exit event.
func Start(st store.Store, b *bus.Bus, opts Options) (*Coordinator, *Handle) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CookieCeiling <= 0 {
		opts.CookieCeiling = DefaultCookieCeiling
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "coordinator")
	}

	c := &Coordinator{
		store:   st,
		bus:     b,
		inbox:   make(chan request, opts.QueueSize),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		ceiling: opts.CookieCeiling,
		logger:  opts.Logger,
	}
	go c.run()
	return c, &Handle{inbox: c.inbox, done: c.done}
}

// Wait blocks until the coordinator loop has fully shut down and returns
// the error that ended it, nil for an orderly terminate.
func (c *Coordinator) Wait() error {
	<-c.done
	return c.runErr
}

// Done is closed once shutdown has completed and the exit event is published.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) run() {
	c.logger.Info("coordinator started", "cookie_ceiling", c.ceiling)

	for req := range c.inbox {
		if _, ok := req.(terminateRequest); ok {
			c.logger.Info("terminate requested")
			break
		}
		if err := c.dispatch(req); err != nil {
			c.runErr = fmt.Errorf("dispatch %s: %w", req.kind(), err)
			c.logger.Error("fatal store error, shutting down", "op", req.kind(), "error", err)
			break
		}
	}

	c.shutdown()
}

// shutdown releases the store, announces the exit on the bus and only then
// unblocks waiters. Subscribers that drain their channels observe the exit
// event before Done fires.
func (c *Coordinator) shutdown() {
	if err := c.store.Close(); err != nil {
		c.logger.Error("closing store", "error", err)
		if c.runErr == nil {
			c.runErr = fmt.Errorf("close store: %w", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.EventExit})
	}
	c.logger.Info("coordinator stopped")
	close(c.done)
}

// dispatch executes one request against the store. A returned error is
// fatal and stops the loop; per-operation conditions such as a duplicate
// code or a capacity refusal are reported through the reply instead.
func (c *Coordinator) dispatch(req request) error {
	switch r := req.(type) {
	case addUserRequest:
		existing, err := c.store.FindUser(c.ctx, r.user)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created := existing == nil
		if created {
			if err := c.store.InsertUser(c.ctx, r.user, store.LevelNone); err != nil {
				return err
			}
		}
		deliver(r.reply, created)

	case approveUserRequest:
		if err := c.store.SetUserLevel(c.ctx, r.user, r.level); err != nil {
			return err
		}
		deliver(r.reply, struct{}{})

	case revokeUserRequest:
		if err := c.store.SetUserLevel(c.ctx, r.user, store.LevelNone); err != nil {
			return err
		}
		deliver(r.reply, struct{}{})

	case queryUserRequest:
		u, err := c.store.FindUser(c.ctx, r.user)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		deliver(r.reply, u)

	case addCodeRequest:
		err := c.store.InsertCode(c.ctx, r.code, r.messageRef)
		if errors.Is(err, store.ErrDuplicateCode) {
			deliver(r.reply, false)
			return nil
		}
		if err != nil {
			return err
		}
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.EventNewCode, Code: r.code})
		}
		deliver(r.reply, true)

	case queryCodeRequest:
		code, err := c.store.FindCode(c.ctx, r.code)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		deliver(r.reply, code)

	case finalizeCodeRequest:
		code, err := c.store.FindCode(c.ctx, r.code)
		if errors.Is(err, store.ErrNotFound) {
			deliver(r.reply, (*store.Code)(nil))
			return nil
		}
		if err != nil {
			return err
		}
		if !code.Finalized {
			if err := c.store.MarkFinalized(c.ctx, r.code); err != nil {
				return err
			}
			code.Finalized = true
		}
		deliver(r.reply, code)

	case resendCodeRequest:
		code, err := c.store.FindCode(c.ctx, r.code)
		if errors.Is(err, store.ErrNotFound) {
			deliver(r.reply, false)
			return nil
		}
		if err != nil {
			return err
		}
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.EventNewCode, Code: code.Code})
		}
		deliver(r.reply, true)

	case setCookieRequest:
		ok, err := c.acceptCookie(r)
		if err != nil {
			return err
		}
		deliver(r.reply, ok)

	case toggleCookieRequest:
		if err := c.store.SetCookieEnabled(c.ctx, r.id, r.enabled); err != nil {
			return err
		}
		deliver(r.reply, struct{}{})

	case checkCookieCapacityRequest:
		ok, err := c.cookieFits(r.id, r.owner, r.ceiling)
		if err != nil {
			return err
		}
		deliver(r.reply, ok)

	case queryCookieRequest:
		cookie, err := c.store.FindCookie(c.ctx, r.id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		deliver(r.reply, cookie)

	case queryCookiesByOwnerRequest:
		cookies, err := c.store.ListCookiesByOwner(c.ctx, r.owner)
		if err != nil {
			return err
		}
		deliver(r.reply, cookies)

	case queryAllCookiesRequest:
		cookies, err := c.store.ListCookies(c.ctx, r.enabledOnly)
		if err != nil {
			return err
		}
		deliver(r.reply, cookies)

	case touchCookieRequest:
		if err := c.store.TouchCookie(c.ctx, r.id); err != nil {
			return err
		}
		deliver(r.reply, struct{}{})

	case insertHistoryRequest:
		if err := c.store.AppendHistory(c.ctx, r.sessionID, r.code, r.errMsg); err != nil {
			return err
		}
		deliver(r.reply, struct{}{})

	case queryHistoryRequest:
		var (
			entries []*store.HistoryEntry
			err     error
		)
		if r.sessionID != nil {
			entries, err = c.store.ListHistoryBySession(c.ctx, *r.sessionID)
		} else {
			entries, err = c.store.ListHistory(c.ctx)
		}
		if err != nil {
			return err
		}
		deliver(r.reply, entries)

	case updateVersionStatusRequest:
		if err := c.store.WriteVersionStatus(c.ctx, r.value); err != nil {
			return err
		}
		deliver(r.reply, struct{}{})

	case queryVersionStatusRequest:
		vs, err := c.store.ReadVersionStatus(c.ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		deliver(r.reply, vs)

	default:
		c.logger.Warn("unknown request dropped", "op", req.kind())
	}
	return nil
}

// acceptCookie runs the ownership check, the capacity check and the write
// inside one coordinator turn, so two racing submissions for the same owner
// cannot both slip under the ceiling.
func (c *Coordinator) acceptCookie(r setCookieRequest) (bool, error) {
	fits, err := c.cookieFits(r.id, r.owner, c.ceiling)
	if err != nil || !fits {
		return false, err
	}
	return c.store.UpsertCookie(c.ctx, r.owner, r.id, r.csrf, r.session)
}

// cookieFits reports whether a cookie submission may proceed: the ID already
// exists (update path, ownership is checked by the upsert) or the owner is
// still strictly under the ceiling.
func (c *Coordinator) cookieFits(id string, owner int64, ceiling int) (bool, error) {
	if _, err := c.store.FindCookie(c.ctx, id); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	n, err := c.store.CountCookiesByOwner(c.ctx, owner)
	if err != nil {
		return false, err
	}
	return n < ceiling, nil
}

// deliver completes a reply without blocking. The channels are buffered for
// one element, so the send only fails when the caller already gave up.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
