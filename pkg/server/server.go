// Package server implements an HTTP/1.x server core with streaming
// multipart uploads, chunked responses, keep-alive persistence, URL-pattern
// routing, and a draft-76 WebSocket upgrade path sharing the connection
// lifecycle. Every accepted connection runs its parse/dispatch state machine
// on its own goroutine, blocking on the read primitives in pkg/buffer and on
// socket writes.
package server

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/WhileEndless/go-elements/pkg/config"
	"github.com/WhileEndless/go-elements/pkg/errors"
)

// Dispatcher receives each fully parsed request.
type Dispatcher func(c *Conn)

// Server owns the listener, the error-action registry, and the hooks shared
// by every connection. The registry and hooks are populated before serving
// and read-only afterwards.
type Server struct {
	settings config.Settings
	logger   *zap.Logger

	dispatch  Dispatcher
	wsHandler WebSocketHandler

	// UploadFinished, when set, runs after each multipart file part lands
	// on disk. Returning false is advisory; the part record keeps its
	// error state either way.
	UploadFinished func(c *Conn, upload *Upload) bool

	errorActions map[string]Action

	allowPersistence      bool
	maxPersistentRequests int

	listener net.Listener

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server with the default error actions registered.
// A nil logger disables logging; a nil dispatcher must be replaced with
// SetDispatcher before serving.
func NewServer(settings config.Settings, logger *zap.Logger, dispatch Dispatcher) (*Server, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		settings:     settings,
		logger:       logger,
		dispatch:     dispatch,
		errorActions: map[string]Action{},
		conns:        map[*Conn]struct{}{},
	}

	for _, status := range defaultErrorStatuses {
		if err := s.RegisterErrorAction(status, NewHTTPAction, nil); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Settings returns the server's settings.
func (s *Server) Settings() config.Settings {
	return s.settings
}

// Logger returns the server's logger.
func (s *Server) Logger() *zap.Logger {
	return s.logger
}

// SetDispatcher installs the request dispatcher.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.dispatch = d
}

// SetWebSocketHandler enables the WebSocket upgrade path. Without a handler
// upgrade requests flow through the plain HTTP pipeline.
func (s *Server) SetWebSocketHandler(h WebSocketHandler) {
	s.wsHandler = h
}

// AllowPersistence sets the default persistence grant inherited by new
// connections. maxRequests > 0 bounds the requests served per connection.
func (s *Server) AllowPersistence(status bool, maxRequests int) {
	s.allowPersistence = status
	s.maxPersistentRequests = maxRequests
}

// RegisterErrorAction binds an action to a full response-code string such
// as "404 Not Found". The action is instantiated immediately; failure is
// fatal.
func (s *Server) RegisterErrorAction(responseCode string, factory ActionFactory, args map[string]any) error {
	code, title, ok := strings.Cut(responseCode, " ")
	if !ok {
		return errors.NewConfigError("error action response code needs a reason phrase: "+responseCode, nil)
	}
	if _, err := strconv.Atoi(code); err != nil {
		return errors.NewConfigError("invalid error action response code: "+responseCode, err)
	}

	action, err := factory(ActionConfig{
		Server:       s,
		Title:        title,
		ResponseCode: code,
		Args:         args,
	})
	if err != nil {
		return errors.NewConfigError("error action for "+code+" failed to instantiate", err)
	}

	s.errorActions[responseCode] = action
	return nil
}

// ErrorAction returns the action registered for a response code, or nil.
func (s *Server) ErrorAction(responseCode string) Action {
	return s.errorActions[responseCode]
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewConnectionError(addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln, spawning one goroutine per connection.
// When MaxConnections is set the listener is capped with a limit listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.settings.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.settings.MaxConnections)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("serving", zap.String("addr", ln.Addr().String()))

	for {
		sock, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.NewIOError("accepting connection", err)
		}

		go s.ServeConn(sock)
	}
}

// ServeConn runs the connection state machine for one socket and blocks
// until the connection closes. Exposed so callers can bring their own
// listener or drive in-memory pipes.
func (s *Server) ServeConn(sock net.Conn) {
	c := newConn(sock, s)
	s.track(c)
	c.serve()
}

// Shutdown closes the listener and every live connection, then waits for
// the connection goroutines to drain. Connection teardown unlinks all
// outstanding upload temp files.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.sock.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("shut down")
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) newConnID() string {
	return uuid.NewString()
}

// handleException runs for panics escaping a connection's handler chain:
// log, then compose a 500 if the response head is still unwritten. The
// connection is torn down by the caller.
func (s *Server) handleException(c *Conn, rec any) {
	s.logger.Error("unhandled panic while serving connection",
		zap.Any("panic", rec),
		zap.Stack("stack"),
	)

	if c == nil || c.headersWritten {
		return
	}

	c.ResponseCode = Status500
	c.ComposeHeaders(true)
	c.WriteString("<h1>Internal Server Error</h1>")
	c.Flush()
}
