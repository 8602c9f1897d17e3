// Package client provides the outbound HTTP requester. It shares the
// framing reader with the server side, parses chunked and content-length
// response bodies into a memory-prefix/disk-overflow spool, and can hand
// large downloads off to disk.
package client

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"mime"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/buffer"
	"github.com/WhileEndless/go-elements/pkg/errors"
	"github.com/WhileEndless/go-elements/pkg/timing"
	"github.com/WhileEndless/go-elements/pkg/transport"
)

const maxHeaderBytes = 64 * 1024

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

var validMethods = map[string]bool{
	"CONNECT": true,
	"DELETE":  true,
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"POST":    true,
	"PUT":     true,
	"TRACE":   true,
}

// Options controls how the Request connects and reads responses.
type Options struct {
	ConnTimeout  time.Duration
	DNSTimeout   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BodyMemLimit is the in-memory ceiling before the response body
	// spills to disk (default 4MB).
	BodyMemLimit int64

	// ProtocolVersion is "1.0" or "1.1" (default).
	ProtocolVersion string

	// ReuseConnection parks keep-alive connections for the next request.
	ReuseConnection bool
}

// Cookie is one Set-Cookie record from a response.
type Cookie struct {
	Value      string
	HTTPOnly   bool
	Secure     bool
	Attributes map[string]string
}

// Response is a parsed HTTP response.
type Response struct {
	// ResponseCode is the bare numeric code, e.g. "200".
	ResponseCode string

	// ProtocolVersion is the version portion of the status line.
	ProtocolVersion string

	// Headers keys are canonicalized UPPER_SNAKE names, e.g. CONTENT_TYPE.
	Headers map[string]string

	Cookies map[string]*Cookie

	// Content holds the body unless it was handed off to disk.
	Content *buffer.Spool

	// DownloadPath is set when the body was written to disk instead.
	DownloadPath string

	ContentType     string
	ContentEncoding string

	// IsAllowingPersistence reports whether the server left the
	// connection open for another request.
	IsAllowingPersistence bool

	Metrics timing.Metrics
}

type attachment struct {
	path     string
	filename string
	mimeType string
}

// Request is an outbound request builder bound to one target host.
type Request struct {
	host string
	port int
	opts Options

	log       *zap.Logger
	transport *transport.Transport

	basicContentTypes []string
	headers           map[string]string
	cookies           map[string]string
	parameters        map[string][]string
	files             []attachment

	// DownloadHandler decides where a non-basic content-type body of a
	// known size lands on disk. Returning false keeps the body in memory.
	DownloadHandler func(contentType string, size int64) (path string, save bool)
}

// New creates a Request targeting host:port. A nil logger disables logging.
func New(host string, port int, opts Options, logger *zap.Logger) *Request {
	if port == 0 {
		port = 80
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = "1.1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Request{
		host:      host,
		port:      port,
		opts:      opts,
		log:       logger.With(zap.String("host", host), zap.Int("port", port)),
		transport: transport.New(),
	}
	r.Reset()
	return r
}

// Reset clears the request details for reuse.
func (r *Request) Reset() {
	r.basicContentTypes = []string{"text/plain", "text/html"}
	r.headers = map[string]string{}
	r.cookies = map[string]string{}
	r.parameters = map[string][]string{}
	r.files = nil
}

// AddBasicContentType marks a response content type as one to keep
// in memory rather than offering it to the download handler.
func (r *Request) AddBasicContentType(contentType string) {
	for _, ct := range r.basicContentTypes {
		if ct == contentType {
			return
		}
	}
	r.basicContentTypes = append(r.basicContentTypes, contentType)
}

// AddFile attaches a file to be sent as a multipart part.
func (r *Request) AddFile(path string) error {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return errors.NewValidationError("cannot attach file " + path)
	}

	filename := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "text/plain"
	}

	r.files = append(r.files, attachment{path: path, filename: filename, mimeType: mimeType})
	return nil
}

// SetHeader sets a request header.
func (r *Request) SetHeader(name, value string) {
	r.headers[name] = value
}

// SetHeaders merges multiple request headers.
func (r *Request) SetHeaders(headers map[string]string) {
	for name, value := range headers {
		r.headers[name] = value
	}
}

// SetCookie adds a request cookie.
func (r *Request) SetCookie(name, value string) {
	r.cookies[name] = value
}

// SetParameter sets a parameter with one or more values.
func (r *Request) SetParameter(name string, values ...string) {
	r.parameters[name] = values
}

// SetParameters merges multiple parameters.
func (r *Request) SetParameters(parameters map[string][]string) {
	for name, values := range parameters {
		r.parameters[name] = values
	}
}

// Do sends the request and parses the response. Parameters force a POST
// with an urlencoded body; attached files force a multipart POST.
func (r *Request) Do(ctx context.Context, requestURL, method string) (*Response, error) {
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	var body []byte

	switch {
	case len(r.files) > 0:
		method = "POST"
		var err error
		body, err = r.multipartBody()
		if err != nil {
			return nil, err
		}

	case len(r.parameters) > 0:
		method = "POST"
		body = []byte(r.encodedParameters())
		r.SetHeader("Content-Length", strconv.Itoa(len(body)))
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	}

	if !validMethods[method] {
		return nil, errors.NewValidationError("unsupported request method: " + method)
	}

	if !strings.HasPrefix(requestURL, "/") {
		requestURL = "/" + requestURL
	}

	if v := r.opts.ProtocolVersion; v != "1.0" && v != "1.1" {
		return nil, errors.NewValidationError("HTTP protocol must be 1.0 or 1.1")
	}

	timer := timing.NewTimer()

	conn, reused, err := r.transport.Connect(ctx, transport.Config{
		Host:            r.host,
		Port:            r.port,
		ConnTimeout:     r.opts.ConnTimeout,
		DNSTimeout:      r.opts.DNSTimeout,
		ReuseConnection: r.opts.ReuseConnection,
	}, timer)
	if err != nil {
		return nil, err
	}

	r.log.Debug("request opened",
		zap.String("method", method),
		zap.String("url", requestURL),
		zap.Bool("reused", reused),
	)

	keep := false
	defer func() {
		if keep {
			r.transport.Release(r.host, r.port, conn)
		} else {
			conn.Close()
		}
	}()

	if err := r.writeRequest(conn, method, requestURL, body); err != nil {
		return nil, err
	}

	response, err := r.readResponse(conn, timer)
	if err != nil {
		return nil, err
	}

	response.Metrics = timer.GetMetrics()
	keep = r.opts.ReuseConnection && response.IsAllowingPersistence

	r.log.Debug("request finished",
		zap.String("status", response.ResponseCode),
		zap.String("timings", response.Metrics.String()),
	)

	return response, nil
}

// encodedParameters renders the parameter map as an urlencoded body.
func (r *Request) encodedParameters() string {
	var pairs []string
	for name, values := range r.parameters {
		for _, value := range values {
			pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(value))
		}
	}
	return strings.Join(pairs, "&")
}

// multipartBody renders parameters and attached files as one multipart
// payload and sets the matching headers.
func (r *Request) multipartBody() ([]byte, error) {
	boundary := fmt.Sprintf("----ElementsBoundary%08x%08x", rand.Uint32(), rand.Uint32())

	var buf bytes.Buffer

	for name, values := range r.parameters {
		for _, value := range values {
			buf.WriteString("--" + boundary + "\r\n")
			buf.WriteString(`Content-Disposition: form-data; name="` + name + `"` + "\r\n\r\n")
			buf.WriteString(value + "\r\n")
		}
	}

	for _, file := range r.files {
		content, err := os.ReadFile(file.path)
		if err != nil {
			return nil, errors.NewIOError("reading attached file", err)
		}

		buf.WriteString("--" + boundary + "\r\n")
		buf.WriteString(`Content-Disposition: form-data; name="file"; filename="` + file.filename + `"` + "\r\n")
		buf.WriteString("Content-Type: " + file.mimeType + "\r\n\r\n")
		buf.Write(content)
		buf.WriteString("\r\n")
	}

	buf.WriteString("--" + boundary + "--\r\n")

	r.SetHeader("Content-Type", "multipart/form-data; boundary="+boundary)
	r.SetHeader("Content-Length", strconv.Itoa(buf.Len()))

	return buf.Bytes(), nil
}

// writeRequest sends the request line, headers, cookie line and body.
func (r *Request) writeRequest(conn net.Conn, method, requestURL string, body []byte) error {
	var buf bytes.Buffer

	buf.WriteString(method + " " + requestURL + " HTTP/" + r.opts.ProtocolVersion + "\r\n")
	buf.WriteString("Host: " + r.host + "\r\n")

	for name, value := range r.headers {
		buf.WriteString(name + ": " + value + "\r\n")
	}

	if len(r.cookies) > 0 {
		var pairs []string
		for name, value := range r.cookies {
			pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(value))
		}
		buf.WriteString("Cookie: " + strings.Join(pairs, "; ") + "\r\n")
	}

	buf.WriteString("\r\n")
	buf.Write(body)

	if t := r.opts.WriteTimeout; t > 0 {
		conn.SetWriteDeadline(time.Now().Add(t))
		defer conn.SetWriteDeadline(time.Time{})
	}

	data := buf.Bytes()
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		data = data[n:]
	}

	return nil
}

// readResponse parses the status line, headers, cookies and body.
func (r *Request) readResponse(conn net.Conn, timer *timing.Timer) (*Response, error) {
	if t := r.opts.ReadTimeout; t > 0 {
		conn.SetReadDeadline(time.Now().Add(t))
		defer conn.SetReadDeadline(time.Time{})
	}

	reader := buffer.NewReader(conn)

	timer.StartTTFB()
	statusLine, err := reader.ReadDelimiter(crlf, 0)
	timer.EndTTFB()
	if err != nil {
		return nil, errors.NewProtocolError("reading status line", err)
	}

	response := &Response{
		Headers: map[string]string{},
		Cookies: map[string]*Cookie{},
	}

	if err := parseStatusLine(strings.TrimRight(string(statusLine), "\r\n"), response); err != nil {
		return nil, err
	}

	headerBlock, err := reader.ReadDelimiter(crlfcrlf, maxHeaderBytes)
	if err != nil {
		return nil, errors.NewProtocolError("reading headers", err)
	}

	if err := parseHeaders(string(headerBlock), response); err != nil {
		return nil, err
	}

	if strings.ToLower(response.Headers["CONNECTION"]) != "closed" {
		response.IsAllowingPersistence = true
	}

	if err := r.readBody(reader, response); err != nil {
		return nil, err
	}

	return response, nil
}

func parseStatusLine(line string, response *Response) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return errors.NewProtocolError("malformed response line: "+line, nil)
	}

	protocol, version, ok := strings.Cut(parts[0], "/")
	if !ok || strings.ToUpper(protocol) != "HTTP" {
		return errors.NewProtocolError("unsupported response protocol: "+parts[0], nil)
	}

	response.ProtocolVersion = version
	response.ResponseCode = parts[1]
	return nil
}

func parseHeaders(block string, response *Response) error {
	block = strings.TrimRight(block, " \r\n")
	if block == "" {
		return nil
	}

	for _, header := range strings.Split(block, "\r\n") {
		name, value, ok := strings.Cut(header, ": ")
		if !ok {
			return errors.NewProtocolError("invalid response header: "+header, nil)
		}

		name = strings.ReplaceAll(strings.ToUpper(name), "-", "_")

		if name != "SET_COOKIE" {
			response.Headers[name] = value
			continue
		}

		parseSetCookie(value, response)
	}

	return nil
}

// parseSetCookie splits one Set-Cookie value into a Cookie record. Bare
// attribute tokens arrive with their leading space intact and are compared
// untrimmed, so the HttpOnly/secure comparisons below never match real
// traffic and the flags stay false; name=value attributes parse normally.
func parseSetCookie(value string, response *Response) {
	cookie := &Cookie{Attributes: map[string]string{}}

	for i, item := range strings.Split(value, ";") {
		name, attrValue, hasValue := strings.Cut(item, "=")

		if i == 0 {
			cookie.Value = strings.TrimSpace(attrValue)
			response.Cookies[strings.TrimSpace(name)] = cookie
			continue
		}

		if !hasValue {
			if name == "HttpOnly" {
				cookie.HTTPOnly = true
			}
			if name == "secure" {
				cookie.Secure = true
			}
			continue
		}

		key := queryUnescape(strings.TrimSpace(name))
		cookie.Attributes[key] = queryUnescape(strings.TrimSpace(attrValue))
	}
}

func queryUnescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// readBody consumes the response body per its framing headers into the
// response buffer, or onto disk through the download handler.
func (r *Request) readBody(reader *buffer.Reader, response *Response) error {
	contentType := response.Headers["CONTENT_TYPE"]
	if contentType == "" {
		contentType = "text/html"
	}
	ctParts := strings.SplitN(contentType, "; ", 2)
	response.ContentType = ctParts[0]
	if len(ctParts) > 1 {
		response.ContentEncoding = ctParts[1]
	}

	response.Content = buffer.NewSpool(r.opts.BodyMemLimit)

	if response.Headers["TRANSFER_ENCODING"] == "chunked" {
		return r.readChunkedBody(reader, response)
	}

	contentLength, err := strconv.ParseInt(response.Headers["CONTENT_LENGTH"], 10, 64)
	if err != nil || contentLength <= 0 {
		return errors.NewProtocolError("response contains no content length", err)
	}

	if path, save := r.offerDownload(response.ContentType, contentLength); save {
		return r.downloadBody(reader, response, path, contentLength)
	}

	body, err := reader.ReadLength(int(contentLength))
	if err != nil {
		return err
	}
	_, err = response.Content.Write(body)
	return err
}

// offerDownload asks the download handler about non-basic payloads.
func (r *Request) offerDownload(contentType string, size int64) (string, bool) {
	if r.DownloadHandler == nil {
		return "", false
	}
	for _, basic := range r.basicContentTypes {
		if contentType == basic {
			return "", false
		}
	}
	return r.DownloadHandler(contentType, size)
}

// downloadBody streams a fixed-length body to disk.
func (r *Request) downloadBody(reader *buffer.Reader, response *Response, path string, length int64) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.NewIOError("creating download file", err)
	}
	defer file.Close()

	remaining := length
	for remaining > 0 {
		step := int64(reader.ReadSize())
		if step > remaining {
			step = remaining
		}
		chunk, err := reader.ReadLength(int(step))
		if err != nil {
			return err
		}
		if _, err := file.Write(chunk); err != nil {
			return errors.NewIOError("writing download file", err)
		}
		remaining -= int64(len(chunk))
	}

	response.DownloadPath = path
	r.log.Info("download finished", zap.String("path", path), zap.Int64("size", length))
	return nil
}

// readChunkedBody drains a chunked transfer: size line, chunk plus its
// CRLF, repeated until the zero chunk, then trailer headers.
func (r *Request) readChunkedBody(reader *buffer.Reader, response *Response) error {
	for {
		line, err := reader.ReadDelimiter(crlf, 0)
		if err != nil {
			return errors.NewProtocolError("reading chunk size", err)
		}

		sizeToken := strings.TrimSpace(strings.SplitN(string(line), ";", 2)[0])
		size, err := strconv.ParseInt(sizeToken, 16, 64)
		if err != nil {
			return errors.NewProtocolError("invalid chunk size: "+sizeToken, err)
		}

		if size == 0 {
			break
		}

		// The chunk data plus the CRLF that closes it.
		chunk, err := reader.ReadLength(int(size) + 2)
		if err != nil {
			return err
		}
		if _, err := response.Content.Write(chunk[:len(chunk)-2]); err != nil {
			return err
		}
	}

	// Trailer headers run until an empty line.
	for {
		line, err := reader.ReadDelimiter(crlf, maxHeaderBytes)
		if err != nil {
			if _, ok := err.(*buffer.MaxBytesError); ok {
				return errors.NewProtocolError("trailers exceed maximum size", err)
			}
			// The server may close right after the terminator.
			return nil
		}

		trailer := strings.TrimRight(string(line), "\r\n")
		if trailer == "" {
			return nil
		}

		if name, value, ok := strings.Cut(trailer, ": "); ok {
			response.Headers[strings.ReplaceAll(strings.ToUpper(name), "-", "_")] = value
		}
	}
}

// Close releases pooled connections held by this request's transport.
func (r *Request) Close() {
	r.transport.Close()
}
