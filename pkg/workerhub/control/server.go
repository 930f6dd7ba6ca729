// Package control serves the orchestrator's operator endpoints: a websocket
// control channel and a small HTTP API over the worker registry.
//
// The websocket echoes text frames and stops the process when it receives
// "close|<token>", where token is generated per server instance.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/randalmurphal/workerhub/pkg/workerhub/dispatch"
	"github.com/randalmurphal/workerhub/pkg/workerhub/history"
)

// CommandClose is the prefix of the shutdown command.
const CommandClose = "close"

// Server is the control-channel server.
type Server struct {
	addr       string
	token      string
	dispatcher *dispatch.Dispatcher
	history    history.Store
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	handler    http.Handler

	onShutdown func()

	mu       sync.Mutex
	listener net.Listener

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithToken overrides the generated shutdown token.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// OnShutdown registers fn to run once when a valid close command arrives.
func OnShutdown(fn func()) Option {
	return func(s *Server) { s.onShutdown = fn }
}

// New creates a server for addr. history may be nil.
func New(addr string, d *dispatch.Dispatcher, store history.Store, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		token:      uuid.NewString(),
		dispatcher: d,
		history:    store,
		logger:     slog.Default(),
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Operators connect from tooling, not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.handler = s.routes()
	return s
}

// Token returns the shutdown token.
func (s *Server) Token() string {
	return s.token
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ShutdownRequested is closed once a valid close command has been received.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Listen binds the server address. Serve calls it if needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve handles connections until ctx ends or a close command arrives, then
// stops accepting and drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("control server listening", slog.String("addr", addr.String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.shutdown:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Hijacked websocket connections are not tracked by Shutdown.
		_ = srv.Close()
	}
	s.logger.Info("control server stopped")
	return nil
}

// Stop asks the server to shut down through its own control channel and
// waits until the request has been accepted.
func (s *Server) Stop(ctx context.Context) error {
	if err := SendClose(ctx, s.Addr(), s.token); err != nil {
		return err
	}
	select {
	case <-s.shutdown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendClose dials the control channel at addr and sends the close command
// with token. It returns once the server has answered with a close frame;
// a wrong token is echoed back and reported as an error.
func SendClose(ctx context.Context, addr, token string) error {
	endpoint := "ws://" + dialAddr(addr) + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(CommandClose+"|"+token)); err != nil {
		return fmt.Errorf("send close command: %w", err)
	}
	_, _, err = conn.ReadMessage()
	switch {
	case err == nil:
		return errors.New("close command rejected")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		return nil
	default:
		return fmt.Errorf("await close: %w", err)
	}
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutdown requested over control channel")
		close(s.shutdown)
		if s.onShutdown != nil {
			s.onShutdown()
		}
	})
}

// dialAddr turns a listen address such as ":8888" or "[::]:8888" into one
// that can be dialed locally.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
