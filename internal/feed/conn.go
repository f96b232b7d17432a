// ABOUTME: Per-connection handling for the websocket feed
// ABOUTME: Reads auth frames from the client and pumps bus events out

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/KunoiSayami/passcode-master/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024

	// closeFrame is the text payload announcing an orderly shutdown.
	// Clients send the same payload to hang up.
	closeFrame = "close"
)

// authMessage is the first meaningful frame a listener sends. The key
// field carries the plain access key, verified against the stored hash.
type authMessage struct {
	Hash     string `json:"hash"`
	Codename string `json:"codename"`
}

type conn struct {
	ws         *websocket.Conn
	sub        *bus.Subscription
	keyHash    []byte
	registered atomic.Bool
	logger     *slog.Logger
}

func newConn(ws *websocket.Conn, sub *bus.Subscription, keyHash []byte, logger *slog.Logger) *conn {
	return &conn{ws: ws, sub: sub, keyHash: keyHash, logger: logger}
}

// serve runs the connection to completion: the event pump in a goroutine,
// the read loop on the calling one. Either side ending tears both down.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.sub.Unsubscribe()
	defer c.ws.Close()

	go c.pumpEvents(ctx)
	c.readLoop()

	c.logger.Info("feed listener disconnected")
}

// pumpEvents forwards bus events to the socket. Events arriving before
// the listener authenticates are skipped, not buffered.
func (c *conn) pumpEvents(ctx context.Context) {
	defer c.ws.Close()

	for {
		ev, err := c.sub.Recv(ctx)
		if err != nil {
			var lag *bus.LagError
			if errors.As(err, &lag) {
				c.logger.Warn("listener lagging, events dropped", "missed", lag.Missed)
				continue
			}
			return
		}

		switch ev.Kind {
		case bus.EventNewCode:
			if !c.registered.Load() {
				continue
			}
			if err := c.writeText(ev.Code); err != nil {
				c.logger.Warn("writing code to listener", "error", err)
				return
			}
		case bus.EventExit:
			_ = c.writeText(closeFrame)
			return
		}
	}
}

func (c *conn) writeText(payload string) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(payload))
}

// readLoop consumes client frames. Only two are meaningful: an auth
// message and the close payload. Everything else is logged and ignored.
func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("reading from listener", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			c.logger.Warn("skipping non-text frame")
			continue
		}

		text := string(message)
		if text == closeFrame {
			return
		}

		var auth authMessage
		if err := json.Unmarshal(message, &auth); err != nil {
			c.logger.Warn("skipping unreadable frame")
			continue
		}
		if bcrypt.CompareHashAndPassword(c.keyHash, []byte(auth.Hash)) != nil {
			c.logger.Warn("access key check failed", "codename", auth.Codename)
			continue
		}
		c.registered.Store(true)
		c.logger.Info("listener registered", "codename", auth.Codename)
	}
}
