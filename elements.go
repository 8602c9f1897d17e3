// Package elements provides an asynchronous HTTP/1.x server framework with
// streaming multipart uploads, chunked responses, keep-alive persistence,
// URL-pattern routing, a draft-76 WebSocket upgrade path, and a raw
// outbound HTTP requester sharing the same framing primitives.
package elements

import (
	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/buffer"
	"github.com/WhileEndless/go-elements/pkg/client"
	"github.com/WhileEndless/go-elements/pkg/config"
	"github.com/WhileEndless/go-elements/pkg/errors"
	"github.com/WhileEndless/go-elements/pkg/server"
	"github.com/WhileEndless/go-elements/pkg/timing"
)

// Version is the current version of the elements library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Settings holds the framework tunables.
	Settings = config.Settings

	// Server is the HTTP server core.
	Server = server.Server

	// RoutingServer dispatches requests over a compiled route table.
	RoutingServer = server.RoutingServer

	// Conn is one accepted connection and the request context handlers see.
	Conn = server.Conn

	// Action is the unit of dispatch: one handler per request method.
	Action = server.Action

	// ActionConfig carries action construction arguments.
	ActionConfig = server.ActionConfig

	// ActionFactory builds an action at server start.
	ActionFactory = server.ActionFactory

	// HTTPAction is the base action.
	HTTPAction = server.HTTPAction

	// StaticAction serves files under a filesystem root.
	StaticAction = server.StaticAction

	// RouteSpec declares one route table entry.
	RouteSpec = server.RouteSpec

	// Params collects request parameters.
	Params = server.Params

	// Upload describes one uploaded file part.
	Upload = server.Upload

	// Files maps multipart field names to uploads.
	Files = server.Files

	// CookieAttributes are the optional attributes for SetCookie.
	CookieAttributes = server.CookieAttributes

	// WebSocketHandler receives WebSocket lifecycle events.
	WebSocketHandler = server.WebSocketHandler

	// Dispatcher receives each fully parsed request.
	Dispatcher = server.Dispatcher

	// Request is the outbound HTTP requester.
	Request = client.Request

	// RequestOptions controls outbound connections and response reads.
	RequestOptions = client.Options

	// Response is a parsed outbound-request response.
	Response = client.Response

	// Spool stores a payload with a memory prefix and disk overflow.
	Spool = buffer.Spool

	// Reader provides the bounded delimiter/length read primitives.
	Reader = buffer.Reader

	// Metrics captures detailed timing information for a request.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error

	// UploadError marks the outcome of a multipart file part.
	UploadError = server.UploadError
)

// Upload outcomes
const (
	UploadOK         = server.UploadOK
	UploadErrMaxSize = server.UploadErrMaxSize
)

// Re-export error types for convenience
const (
	ErrorTypeDNS        = errors.ErrorTypeDNS
	ErrorTypeConnection = errors.ErrorTypeConnection
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeValidation = errors.ErrorTypeValidation
	ErrorTypeRoute      = errors.ErrorTypeRoute
	ErrorTypeConfig     = errors.ErrorTypeConfig
)

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return config.Default()
}

// LoadSettings reads settings from a YAML file.
func LoadSettings(path string) (Settings, error) {
	return config.Load(path)
}

// NewServer creates a server with the default error actions registered.
func NewServer(settings Settings, logger *zap.Logger, dispatch Dispatcher) (*Server, error) {
	return server.NewServer(settings, logger, dispatch)
}

// NewRoutingServer compiles the route table and instantiates every action.
func NewRoutingServer(settings Settings, logger *zap.Logger, routes map[string]RouteSpec) (*RoutingServer, error) {
	return server.NewRoutingServer(settings, logger, routes)
}

// NewRequest creates an outbound requester targeting host:port.
func NewRequest(host string, port int, opts RequestOptions, logger *zap.Logger) *Request {
	return client.New(host, port, opts, logger)
}

// NewSpool creates a payload spool with the specified memory prefix size.
func NewSpool(memLimit int64) *Spool {
	return buffer.NewSpool(memLimit)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
