package server

import (
	"sort"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// ComposeHeaders writes the status line, headers and cookies. It runs once
// per request; later calls are no-ops. Chunked transfer encoding is applied
// when requested, unless the request is HTTP/1.0 or a static file is being
// served; once applied, Write and Flush frame everything that follows as
// chunks until the next request.
func (c *Conn) ComposeHeaders(chunkedEncoding bool) {
	if c.headersWritten {
		return
	}

	chunkedEncoding = chunkedEncoding &&
		c.InHeaders["SERVER_PROTOCOL"] != "HTTP/1.0" &&
		c.staticFile == nil

	out := c.OutHeaders

	// required headers
	out["Content-Type"] = c.ContentType
	out["Server"] = c.server.settings.ServerName

	if chunkedEncoding {
		out["Transfer-Encoding"] = "chunked"
	}

	// handle persistence
	if c.maxPersistentRequests > 0 && c.requestCount >= c.maxPersistentRequests {
		// Request budget reached: this response closes the connection no
		// matter what the grant says.
		c.persistence = persistenceNone
		out["Connection"] = "close"
	} else if c.isAllowingPersistence {
		if c.persistence != persistenceNone {
			out["Connection"] = "keep-alive"
		} else {
			out["Connection"] = "close"
		}
	}

	c.rawWriteString(c.InHeaders["SERVER_PROTOCOL"] + " " + c.ResponseCode + "\r\n")

	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := out[name]
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			c.log.Warn("dropping invalid response header", zap.String("name", name))
			continue
		}
		c.rawWriteString(name + ": " + value + "\r\n")
	}

	if len(c.outCookies) > 0 {
		cookieNames := make([]string, 0, len(c.outCookies))
		for name := range c.outCookies {
			cookieNames = append(cookieNames, name)
		}
		sort.Strings(cookieNames)

		for _, name := range cookieNames {
			c.rawWriteString("Set-Cookie: " + c.outCookies[name] + "\r\n")
		}
	}

	c.rawWriteString("\r\n")
	c.rawFlush()

	if chunkedEncoding {
		c.mode = writeChunked
	}

	c.headersWritten = true
}

// HeadersWritten reports whether the response head is already on the wire.
func (c *Conn) HeadersWritten() bool {
	return c.headersWritten
}
