package server

import (
	"bytes"
	stderrors "errors"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/buffer"
	"github.com/WhileEndless/go-elements/pkg/errors"
)

// Upload describes one multipart file part persisted to the upload
// directory. The temp file is owned by the connection: application code must
// move it before the connection shuts down, or it is unlinked.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	TempName    string
	Error       UploadError
}

// Files maps multipart field names to their uploads, in arrival order.
type Files map[string][]*Upload

// Get returns the first upload for the field, or nil.
func (f Files) Get(name string) *Upload {
	if u := f[name]; len(u) > 0 {
		return u[0]
	}
	return nil
}

// Conn is one accepted connection. It runs the request/response state
// machine on its own goroutine: request line, headers, content negotiation,
// body, dispatch, then either the next request (persistence) or teardown.
type Conn struct {
	server *Server
	sock   net.Conn
	reader *buffer.Reader
	log    *zap.Logger

	// Parsed inbound state, reset per request.
	InHeaders map[string]string
	InCookies map[string]string
	Params    Params
	Files     Files

	// Outbound state, reset per request.
	OutHeaders   map[string]string
	outCookies   map[string]string
	ResponseCode string
	ContentType  string

	writeBuf       bytes.Buffer
	chunkBuf       bytes.Buffer
	mode           writeMode
	headersWritten bool

	isAllowingPersistence bool
	maxPersistentRequests int
	persistence           persistenceType
	requestCount          int

	multipartFile  *os.File
	multipartMaxed bool
	origReadSize   int
	tempFiles      []string

	staticFile *os.File

	isWebSocket bool
	wsProtocol  string
}

func newConn(sock net.Conn, srv *Server) *Conn {
	c := &Conn{
		server:                srv,
		sock:                  sock,
		reader:                buffer.NewReader(sock),
		isAllowingPersistence: srv.allowPersistence,
		maxPersistentRequests: srv.maxPersistentRequests,
	}
	c.log = srv.logger.With(
		zap.String("conn_id", srv.newConnID()),
		zap.String("remote_addr", sock.RemoteAddr().String()),
	)
	c.resetRequest()
	return c
}

// serve runs the connection until it closes. Handler panics surface through
// the server's exception hook, then tear the connection down.
func (c *Conn) serve() {
	defer func() {
		if rec := recover(); rec != nil {
			c.server.handleException(c, rec)
		}
		c.shutdownConn()
	}()

	c.log.Debug("connection opened")

	for c.handleCycle() {
	}
}

// resetRequest clears all per-request state at the top of a request cycle.
// The persistence grant and the temp-file list survive across requests.
func (c *Conn) resetRequest() {
	remoteIP, remotePort := splitAddr(c.sock.RemoteAddr())
	localIP, localPort := splitAddr(c.sock.LocalAddr())

	c.InHeaders = map[string]string{
		"HTTP_CONTENT_TYPE": "text/plain",
		"REMOTE_ADDR":       remoteIP,
		"REMOTE_PORT":       remotePort,
		"SERVER_ADDR":       localIP,
		"SERVER_PORT":       localPort,
		"SERVER_PROTOCOL":   "HTTP/1.0",
	}
	c.InCookies = map[string]string{}
	c.Params = Params{}
	c.Files = Files{}
	c.OutHeaders = map[string]string{}
	c.outCookies = map[string]string{}
	c.ResponseCode = Status200
	c.ContentType = "text/html"

	c.writeBuf.Reset()
	c.chunkBuf.Reset()
	c.mode = writeRaw
	c.headersWritten = false

	c.persistence = persistenceNone

	c.multipartFile = nil
	c.multipartMaxed = false
	c.staticFile = nil
}

func splitAddr(addr net.Addr) (ip string, port string) {
	host, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return host, p
}

// AllowPersistence sets the persistence grant for this connection. When
// maxRequests > 0, the response that reaches the budget carries
// Connection: close regardless of the grant.
func (c *Conn) AllowPersistence(status bool, maxRequests int) {
	c.isAllowingPersistence = status
	c.maxPersistentRequests = maxRequests
}

// RequestCount returns the number of request lines accepted on this
// connection.
func (c *Conn) RequestCount() int {
	return c.requestCount
}

// Write appends data to the response. In chunked mode the data is staged
// until the next flush.
func (c *Conn) Write(p []byte) (int, error) {
	if c.mode == writeChunked {
		return c.chunkBuf.Write(p)
	}
	return c.writeBuf.Write(p)
}

// WriteString appends a string to the response.
func (c *Conn) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// Flush drains the response to the socket. In chunked mode this emits the
// staged data as one chunk followed by the stream terminator; use
// FlushPartial to emit intermediate chunks.
func (c *Conn) Flush() error {
	if c.mode == writeChunked {
		return c.chunkedFlush(true)
	}
	return c.rawFlush()
}

// FlushPartial drains the response without ending a chunked stream.
func (c *Conn) FlushPartial() error {
	if c.mode == writeChunked {
		return c.chunkedFlush(false)
	}
	return c.rawFlush()
}

// ClearWriteBuffer discards everything staged but not yet flushed.
func (c *Conn) ClearWriteBuffer() {
	c.writeBuf.Reset()
	c.chunkBuf.Reset()
}

func (c *Conn) rawWrite(p []byte) {
	c.writeBuf.Write(p)
}

func (c *Conn) rawWriteString(s string) {
	c.writeBuf.WriteString(s)
}

func (c *Conn) rawFlush() error {
	if c.writeBuf.Len() == 0 {
		return nil
	}
	if t := c.server.settings.WriteTimeout.Std(); t > 0 {
		c.sock.SetWriteDeadline(time.Now().Add(t))
	}
	data := c.writeBuf.Bytes()
	for len(data) > 0 {
		n, err := c.sock.Write(data)
		if err != nil {
			c.writeBuf.Reset()
			return errors.NewIOError("writing response", err)
		}
		data = data[n:]
	}
	c.writeBuf.Reset()
	return nil
}

// chunkedFlush frames the staged data as one transfer chunk. When last is
// true the stream terminator follows.
func (c *Conn) chunkedFlush(last bool) error {
	data := c.chunkBuf.Bytes()

	c.rawWriteString(strconv.FormatInt(int64(len(data)), 16))
	c.rawWriteString("\r\n")
	c.rawWrite(data)
	c.rawWriteString("\r\n")
	c.chunkBuf.Reset()

	if last {
		// Terminating chunk plus empty footers, byte-for-byte what this
		// framework has always emitted.
		c.rawWriteString("0\r\n\r\n\r\n")
	}

	return c.rawFlush()
}

// CookieAttributes are the optional attributes for SetCookie.
type CookieAttributes struct {
	// Expires is rendered relative to now. Zero omits the attribute.
	Expires time.Duration

	// Path defaults to "/".
	Path string

	Domain   string
	HTTPOnly bool
	Secure   bool
}

// SetCookie stages a Set-Cookie line for the response.
func (c *Conn) SetCookie(name, value string, attrs CookieAttributes) {
	path := attrs.Path
	if path == "" {
		path = "/"
	}

	cookie := name + "=" + url.PathEscape(value) + "; path=" + path

	if attrs.Domain != "" {
		cookie += "; domain=" + attrs.Domain
	}

	if attrs.Expires > 0 {
		stamp := time.Now().Add(attrs.Expires).Format("Monday, 02 January 2006 15:04:05")
		cookie += "; expires=" + stamp + " GMT" + c.server.settings.GMTOffset
	}

	if attrs.HTTPOnly {
		cookie += "; HttpOnly"
	}

	if attrs.Secure {
		cookie += "; secure"
	}

	c.outCookies[name] = cookie
}

// RaiseError renders the error action registered for the response code.
// An unregistered code is a programmer error and panics into the server's
// exception hook.
func (c *Conn) RaiseError(responseCode string) {
	action, ok := c.server.errorActions[responseCode]
	if !ok {
		panic(errors.NewRouteError(responseCode, "no error action registered", nil))
	}
	action.Get(c)
}

// wireError responds with the error action for code and drops the
// persistence grant for this connection: the inbound stream is no longer in
// a parseable state.
func (c *Conn) wireError(code string) {
	c.persistence = persistenceNone
	c.RaiseError(code)
}

// handleMaxBytes runs when a bounded delimiter scan overflowed.
func (c *Conn) handleMaxBytes(limit int) {
	c.log.Warn("read limit exceeded", zap.Int("limit", limit))
	c.wireError(Status400)
}

// finishRequest runs after the response is written: drain any static file,
// then either arm the next request or signal close.
func (c *Conn) finishRequest() bool {
	if c.staticFile != nil {
		if !c.pumpStaticFile() {
			return false
		}
	}

	if c.isAllowingPersistence && c.persistence != persistenceNone {
		c.ClearWriteBuffer()
		return true
	}

	return false
}

// shutdownConn releases everything the connection owns: the in-flight
// multipart file, every temp upload file, any static file, and the socket.
// Temp file removal is best-effort.
func (c *Conn) shutdownConn() {
	if c.multipartFile != nil && !c.multipartMaxed {
		c.multipartFile.Close()
	}

	for _, path := range c.tempFiles {
		os.Remove(path)
	}

	if c.staticFile != nil {
		c.staticFile.Close()
	}

	c.sock.Close()
	c.server.untrack(c)
	c.log.Debug("connection closed", zap.Int("requests", c.requestCount))
}

// isMaxBytes unwraps the bounded-read overflow error.
func isMaxBytes(err error) (int, bool) {
	var mbe *buffer.MaxBytesError
	if stderrors.As(err, &mbe) {
		return mbe.Limit, true
	}
	return 0, false
}
