package server

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/buffer"
	"github.com/WhileEndless/go-elements/pkg/errors"
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// handleCycle runs one full request cycle. It returns true when the
// connection should go on to parse another request.
func (c *Conn) handleCycle() bool {
	if t := c.server.settings.ReadTimeout.Std(); t > 0 {
		c.sock.SetReadDeadline(time.Now().Add(t))
	}

	line, err := c.reader.ReadDelimiter(crlf, c.server.settings.MaxRequestLength)
	if err != nil {
		if limit, ok := isMaxBytes(err); ok {
			c.resetRequest()
			c.requestCount++
			c.handleMaxBytes(limit)
		}
		return false
	}

	c.resetRequest()
	c.requestCount++

	if !c.parseRequestLine(line) {
		return c.finishRequest()
	}

	headerBlock, err := c.readHeaderBlock()
	if err != nil {
		if limit, ok := isMaxBytes(err); ok {
			c.handleMaxBytes(limit)
		}
		return false
	}

	if !c.parseHeaders(headerBlock) {
		return c.finishRequest()
	}

	if c.server.wsHandler != nil && c.isWebSocketUpgrade() {
		c.runWebSocket()
		return false
	}

	if !c.negotiateContent() {
		return c.finishRequest()
	}

	c.dispatch()

	return c.finishRequest()
}

// parseRequestLine splits "<method> <uri> <protocol>" and seeds the header
// map. A missing protocol means HTTP/1.0. Failure paths respond through the
// error-action registry and report false.
func (c *Conn) parseRequestLine(line []byte) bool {
	var method, uri, protocol string

	switch parts := strings.Split(strings.TrimRight(string(line), " \r\n"), " "); len(parts) {
	case 3:
		method, uri, protocol = parts[0], parts[1], parts[2]
	case 2:
		method, uri, protocol = parts[0], parts[1], "HTTP/1.0"
	default:
		c.wireError(Status400)
		return false
	}

	method = strings.ToUpper(method)
	protocol = strings.ToUpper(protocol)

	in := c.InHeaders
	in["REQUEST_METHOD"] = method
	in["REQUEST_URI"] = uri
	in["SCRIPT_NAME"] = uri
	in["SERVER_PROTOCOL"] = protocol

	if !validMethods[method] {
		c.wireError(Status405)
		return false
	}

	if protocol != "HTTP/1.0" && protocol != "HTTP/1.1" {
		c.wireError(Status505)
		return false
	}

	if pos := strings.Index(uri, "?"); pos > -1 {
		queryString := uri[pos+1:]
		in["QUERY_STRING"] = queryString
		in["SCRIPT_NAME"] = uri[:pos]
		c.Params.parseQueryString(queryString, true)
	}

	return true
}

// readHeaderBlock consumes the header block, delimiter included. A request
// with no headers at all ends in a single bare CRLF, which a four-byte
// delimiter scan would never match, so that case is peeled off first.
func (c *Conn) readHeaderBlock() ([]byte, error) {
	maxBytes := c.server.settings.MaxHeadersLength

	for {
		buffered := c.reader.Buffered()

		if len(buffered) >= 2 && buffered[0] == '\r' && buffered[1] == '\n' {
			c.reader.Discard(2)
			return nil, nil
		}

		if pos := c.reader.IndexDelimiter(crlfcrlf); pos >= 0 {
			block := make([]byte, pos+len(crlfcrlf))
			copy(block, c.reader.Buffered()[:pos+len(crlfcrlf)])
			c.reader.Discard(pos + len(crlfcrlf))
			return block, nil
		}

		if maxBytes > 0 && len(buffered) > maxBytes {
			return nil, &buffer.MaxBytesError{Limit: maxBytes}
		}

		if err := c.reader.Fill(); err != nil {
			return nil, err
		}
	}
}

// parseHeaders canonicalizes "Name: value" lines into HTTP_<UPPER_SNAKE>
// keys, splits the Cookie header, and records the persistence type the
// request is entitled to.
func (c *Conn) parseHeaders(block []byte) bool {
	in := c.InHeaders

	if trimmed := strings.TrimRight(string(block), " \r\n"); trimmed != "" {
		for _, header := range strings.Split(trimmed, "\r\n") {
			name, value, ok := strings.Cut(header, ": ")
			if !ok {
				c.wireError(Status400)
				return false
			}
			in["HTTP_"+strings.ReplaceAll(strings.ToUpper(name), "-", "_")] = value
		}
	}

	if rawCookies, ok := in["HTTP_COOKIE"]; ok {
		for _, cookie := range strings.Split(rawCookies, ";") {
			name, value, ok := strings.Cut(strings.TrimRight(cookie, " "), "=")
			if !ok {
				c.wireError(Status400)
				return false
			}
			c.InCookies[strings.TrimLeft(name, " ")] = value
		}
	}

	if in["SERVER_PROTOCOL"] == "HTTP/1.1" {
		c.persistence = persistenceProtocol
	} else if strings.ToLower(in["HTTP_CONNECTION"]) == "keep-alive" {
		c.persistence = persistenceKeepAlive
	}

	return true
}

// negotiateContent branches on the request content type and consumes the
// body where one is declared. Content types without a body-handling branch
// dispatch as-is.
func (c *Conn) negotiateContent() bool {
	contentType := strings.ToLower(c.InHeaders["HTTP_CONTENT_TYPE"])

	switch {
	case contentType == "text/plain":
		return true

	case contentType == "application/x-www-form-urlencoded":
		contentLength, err := strconv.Atoi(c.InHeaders["HTTP_CONTENT_LENGTH"])
		if err != nil || contentLength < 0 {
			c.wireError(Status411)
			return false
		}

		body, err := c.reader.ReadLength(contentLength)
		if err != nil {
			return false
		}

		c.Params.parseQueryString(strings.TrimRight(string(body), " \r\n"), false)
		return true

	case strings.HasPrefix(contentType, "multipart/form-data"):
		boundary, ok := multipartBoundary(c.InHeaders["HTTP_CONTENT_TYPE"])
		if !ok {
			c.wireError(Status400)
			return false
		}
		return c.readMultipartBody(boundary)

	default:
		return true
	}
}

// dispatch hands the parsed request to the server's dispatcher and logs the
// served request.
func (c *Conn) dispatch() {
	if c.server.dispatch == nil {
		panic(errors.NewValidationError("server has no dispatcher configured"))
	}

	c.server.dispatch(c)

	c.log.Info("request served",
		zap.String("method", c.InHeaders["REQUEST_METHOD"]),
		zap.String("uri", c.InHeaders["REQUEST_URI"]),
		zap.String("status", c.ResponseCode),
	)
}
