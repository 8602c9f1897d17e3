package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ServeStaticFile streams a file as an attachment download. The first
// drain is written immediately; the remainder is pumped after the handler
// returns. Reports false when the file cannot be opened.
func (c *Conn) ServeStaticFile(path, filename string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}

	st, err := file.Stat()
	if err != nil || st.IsDir() {
		file.Close()
		return false
	}

	c.staticFile = file

	if filename == "" {
		filename = filepath.Base(path)
	}

	c.OutHeaders["Content-Disposition"] = "attachment; filename=" + filename
	c.OutHeaders["Content-Length"] = strconv.FormatInt(st.Size(), 10)
	c.ContentType = uploadContentType(path)

	c.ComposeHeaders(true) // static file forces identity encoding

	chunk := make([]byte, fileReadSize)
	n, _ := file.Read(chunk)
	if n > 0 {
		c.rawWrite(chunk[:n])
	}
	c.rawFlush()

	return true
}

// pumpStaticFile drains the rest of an in-progress static file to the
// socket. Reports false when the connection must close.
func (c *Conn) pumpStaticFile() bool {
	chunk := make([]byte, fileReadSize)

	for {
		n, err := c.staticFile.Read(chunk)
		if n > 0 {
			c.rawWrite(chunk[:n])
			if flushErr := c.rawFlush(); flushErr != nil {
				return false
			}
		}
		if err != nil || n == 0 {
			break
		}
	}

	c.staticFile.Close()
	c.staticFile = nil

	return true
}

// StaticAction serves files under a filesystem root. The route parameter
// named by Param selects the file; paths escaping the root 404.
type StaticAction struct {
	*HTTPAction

	Root  string
	Param string
}

// NewStaticAction returns an ActionFactory rooted at fsRoot. The param
// argument names the route capture holding the relative file path; it
// defaults to "file".
func NewStaticAction(fsRoot, param string) ActionFactory {
	if param == "" {
		param = "file"
	}
	return func(cfg ActionConfig) (Action, error) {
		base, err := NewHTTPAction(cfg)
		if err != nil {
			return nil, err
		}
		return &StaticAction{
			HTTPAction: base.(*HTTPAction),
			Root:       filepath.Clean(fsRoot),
			Param:      param,
		}, nil
	}
}

// Get streams the requested file, or renders the 404 action.
func (a *StaticAction) Get(c *Conn) {
	relative := strings.Trim(c.Params.Get(a.Param), " /\\")
	path := filepath.Clean(filepath.Join(a.Root, relative))

	if !strings.HasPrefix(path, a.Root+string(filepath.Separator)) || !c.ServeStaticFile(path, "") {
		c.log.Debug("static file missed", zap.String("path", path))
		c.RaiseError(Status404)
	}
}
