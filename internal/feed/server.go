// ABOUTME: Websocket feed server pushing new codes to authenticated listeners
// ABOUTME: Serves a version endpoint and the /ws upgrade with key-based auth

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/KunoiSayami/passcode-master/internal/bus"
)

// Options configures the feed server.
type Options struct {
	// Bind is the listen address, e.g. "127.0.0.1:8080".
	Bind string
	// AccessKeyHash is the bcrypt hash listeners must prove knowledge of.
	AccessKeyHash string
	// Version is reported on the root endpoint.
	Version string
	Logger  *slog.Logger
}

// Server pushes code announcements to websocket listeners. Connections
// start out unauthenticated and receive nothing until they present the
// access key; a bad key keeps the connection open but silent.
type Server struct {
	bind       string
	keyHash    []byte
	version    string
	bus        *bus.Bus
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New builds a feed server over b. The returned server is not listening
// yet; call Run.
func New(b *bus.Bus, opts Options) (*Server, error) {
	if opts.AccessKeyHash == "" {
		return nil, fmt.Errorf("feed: access key hash is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "feed")
	}

	s := &Server{
		bind:    opts.Bind,
		keyHash: []byte(opts.AccessKeyHash),
		version: opts.Version,
		bus:     b,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Minute,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
	return s, nil
}

// Handler returns the HTTP handler serving the feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleVersion)
	mux.HandleFunc("GET /ws", s.handleFeed)
	return mux
}

// Run listens on the configured bind address and serves until ctx is
// canceled, then shuts down gracefully. Returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("listening on feed address: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("feed server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("feed server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("feed server shutting down")
	case serveErr = <-errCh:
		s.logger.Error("feed server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": s.version})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading connection to websocket failed", "error", err)
		return
	}

	c := newConn(ws, s.bus.Subscribe(), s.keyHash,
		s.logger.With("conn", uuid.NewString(), "remote", remoteAddr(r)))
	s.logger.Info("feed listener connected", "remote", remoteAddr(r))
	c.serve(r.Context())
}

// remoteAddr prefers the X-Real-IP header a fronting proxy sets over the
// socket peer address.
func remoteAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
