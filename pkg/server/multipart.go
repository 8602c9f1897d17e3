package server

import (
	"math/rand"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// maxFieldBytes caps a non-file multipart field value.
	maxFieldBytes = 1000

	// largeUploadReadSize and uploadReadSize are the socket read-size hints
	// while a file part is streaming, picked by advertised content length.
	largeUploadReadSize = 131070
	uploadReadSize      = 65535

	// largeUploadThreshold selects the bigger read size.
	largeUploadThreshold = 1048576

	tempNameLength   = 25
	tempNameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// multipartBoundary extracts the part delimiter from a multipart/form-data
// content type. The returned token includes the leading dashes.
func multipartBoundary(contentType string) (string, bool) {
	_, rest, ok := strings.Cut(contentType, "boundary=")
	if !ok || rest == "" {
		return "", false
	}
	return "--" + rest, true
}

// readMultipartBody consumes the whole multipart payload: the first
// boundary, then part headers and part bodies until the closing "--"
// marker. Reports false when the connection must close.
func (c *Conn) readMultipartBody(boundary string) bool {
	first, err := c.reader.ReadLength(len(boundary))
	if err != nil {
		return false
	}
	if string(first) != boundary {
		c.wireError(Status400)
		return false
	}

	for {
		sep, err := c.reader.ReadLength(2)
		if err != nil {
			return false
		}

		switch string(sep) {
		case "\r\n":
			headerBlock, err := c.reader.ReadDelimiter(crlfcrlf, 0)
			if err != nil {
				return false
			}
			if !c.handlePartHeaders(headerBlock, boundary) {
				return false
			}

		case "--":
			// End of body.
			return true

		default:
			c.wireError(Status400)
			return false
		}
	}
}

// handlePartHeaders parses one part's header block and consumes the part
// body: inline for form fields, streamed to a temp file for uploads.
func (c *Conn) handlePartHeaders(block []byte, boundary string) bool {
	headers := map[string]string{}

	for _, header := range strings.Split(strings.TrimRight(string(block), " \r\n"), "\r\n") {
		name, value, ok := strings.Cut(header, ": ")
		if !ok {
			c.wireError(Status400)
			return false
		}
		headers[strings.ToUpper(name)] = value
	}

	disposition := headers["CONTENT-DISPOSITION"]
	name, ok := dispositionParam(disposition, "name")
	if !ok {
		c.wireError(Status400)
		return false
	}

	filename, isFile := dispositionParam(disposition, "filename")
	if !isFile {
		return c.readFieldPart(name, boundary)
	}

	return c.readFilePart(name, filename, boundary)
}

// dispositionParam pulls a quoted parameter out of a Content-Disposition
// value. The "; " prefix keeps name= from matching inside filename=.
func dispositionParam(disposition, param string) (string, bool) {
	_, rest, ok := strings.Cut(disposition, "; "+param+`="`)
	if !ok {
		return "", false
	}
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// readFieldPart reads a form-field value, capped at maxFieldBytes, and
// merges it into params.
func (c *Conn) readFieldPart(name, boundary string) bool {
	data, err := c.reader.ReadDelimiter([]byte(boundary), maxFieldBytes)
	if err != nil {
		if limit, ok := isMaxBytes(err); ok {
			c.handleMaxBytes(limit)
		}
		return false
	}

	// Strip the boundary and the CRLF that precedes it.
	value := data[:len(data)-len(boundary)]
	if len(value) >= 2 {
		value = value[:len(value)-2]
	}

	c.Params.Add(name, string(value))
	return true
}

// readFilePart creates the temp file for an upload part and streams the
// part body into it.
func (c *Conn) readFilePart(name, filename, boundary string) bool {
	tempName := filepath.Join(c.server.settings.UploadDir, randomTempName())

	file, err := os.OpenFile(tempName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		c.log.Error("opening upload temp file", zap.Error(err))
		c.wireError(Status400)
		return false
	}

	c.tempFiles = append(c.tempFiles, tempName)
	c.multipartFile = file
	c.multipartMaxed = false

	// Enlarge the socket read size so uploads are quicker; restored when
	// the part completes.
	c.origReadSize = c.reader.ReadSize()
	contentLength, _ := strconv.Atoi(c.InHeaders["HTTP_CONTENT_LENGTH"])
	if contentLength >= largeUploadThreshold {
		c.reader.SetReadSize(largeUploadReadSize)
	} else {
		c.reader.SetReadSize(uploadReadSize)
	}

	upload := &Upload{
		Filename:    filename,
		ContentType: uploadContentType(filename),
		TempName:    tempName,
	}
	c.Files[name] = append(c.Files[name], upload)

	return c.streamFilePart(upload, boundary)
}

// streamFilePart drains the part body to the upload's temp file in chunks
// bounded by the upload buffer size, keeping a boundary-length tail in
// memory so a delimiter straddling two socket reads is never missed. Past
// the upload size ceiling the remaining bytes are counted but not written.
func (c *Conn) streamFilePart(upload *Upload, boundary string) bool {
	delim := []byte(boundary)
	maxSize := c.server.settings.MaxUploadSize
	bufferSize := c.server.settings.UploadBufferSize

	var written int64

	for {
		if pos := c.reader.IndexDelimiter(delim); pos >= 0 {
			// Final chunk, minus the CRLF before the boundary.
			end := pos - 2
			if end < 0 {
				end = 0
			}
			chunk := c.reader.Buffered()[:end]

			if !c.multipartMaxed {
				stored := chunk
				if maxSize > 0 && written+int64(len(stored)) > maxSize {
					stored = stored[:maxSize-written]
					upload.Error = UploadErrMaxSize
				}
				c.multipartFile.Write(stored)
				c.multipartFile.Close()
			}

			c.multipartFile = nil
			c.reader.Discard(pos + len(delim))
			c.reader.SetReadSize(c.origReadSize)

			if st, err := os.Stat(upload.TempName); err == nil {
				upload.Size = st.Size()
			}

			c.log.Info("upload finished",
				zap.String("filename", upload.Filename),
				zap.Int64("size", upload.Size),
				zap.Bool("maxed", upload.Error == UploadErrMaxSize),
			)

			if c.server.UploadFinished != nil {
				c.server.UploadFinished(c, upload)
			}

			return true
		}

		if buffered := c.reader.Buffered(); len(buffered) >= bufferSize && len(buffered) > len(delim) {
			chunk := buffered[:len(buffered)-len(delim)]

			if !c.multipartMaxed {
				stored := chunk
				if maxSize > 0 && written+int64(len(stored)) > maxSize {
					stored = stored[:maxSize-written]
				}
				c.multipartFile.Write(stored)
			}

			written += int64(len(chunk))
			c.reader.Discard(len(buffered) - len(delim))

			if maxSize > 0 && written > maxSize && !c.multipartMaxed {
				c.multipartFile.Close()
				upload.Error = UploadErrMaxSize
				c.multipartMaxed = true
			}
		}

		if err := c.reader.Fill(); err != nil {
			return false
		}
	}
}

// uploadContentType infers a part's content type from its filename,
// defaulting to text/plain.
func uploadContentType(filename string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(filename)); mimeType != "" {
		return mimeType
	}
	return "text/plain"
}

func randomTempName() string {
	name := make([]byte, tempNameLength)
	for i := range name {
		name[i] = tempNameAlphabet[rand.Intn(len(tempNameAlphabet))]
	}
	return string(name)
}
