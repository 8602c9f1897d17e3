// Package buffer provides the framing read primitives and the payload
// spool used for response bodies and downloads.
package buffer

import (
	"bytes"
	"io"
	"os"

	"github.com/WhileEndless/go-elements/pkg/errors"
)

const (
	// DefaultMemoryLimit is the default in-memory prefix size before a
	// spool overflows to disk.
	DefaultMemoryLimit = 4 * 1024 * 1024 // 4MB
)

// Spool accumulates a payload of unknown size. The first limit bytes stay
// in memory; everything past that overflows to a temp file, so small
// payloads never touch the disk and large ones never occupy more than the
// prefix in memory. A Spool belongs to the single goroutine driving its
// request, matching the one-goroutine-per-connection model of this
// framework.
type Spool struct {
	limit    int64
	mem      []byte
	overflow *os.File
	path     string
	size     int64
	closed   bool
}

// NewSpool creates a spool keeping at most memLimit bytes in memory.
func NewSpool(memLimit int64) *Spool {
	if memLimit <= 0 {
		memLimit = DefaultMemoryLimit
	}
	return &Spool{limit: memLimit}
}

// Write appends p, filling the memory prefix first and overflowing the
// remainder to disk.
func (s *Spool) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.NewIOError("writing to spool", errors.NewValidationError("spool is closed"))
	}

	total := len(p)
	s.size += int64(total)

	if room := s.limit - int64(len(s.mem)); room > 0 {
		take := int64(len(p))
		if take > room {
			take = room
		}
		s.mem = append(s.mem, p[:take]...)
		p = p[take:]
	}

	if len(p) == 0 {
		return total, nil
	}

	if s.overflow == nil {
		tmp, err := os.CreateTemp("", "elements-spool-*")
		if err != nil {
			return total - len(p), errors.NewIOError("creating spool overflow", err)
		}
		s.overflow = tmp
		s.path = tmp.Name()
	}

	if _, err := s.overflow.Write(p); err != nil {
		return total - len(p), errors.NewIOError("writing spool overflow", err)
	}

	return total, nil
}

// Size returns the total number of bytes written.
func (s *Spool) Size() int64 {
	return s.size
}

// InMemory reports whether the whole payload fits in the memory prefix.
func (s *Spool) InMemory() bool {
	return s.overflow == nil
}

// SpillPath returns the overflow file path, or "" while the payload is
// fully in memory.
func (s *Spool) SpillPath() string {
	return s.path
}

// Bytes returns the whole payload when it is fully in memory, nil once it
// has overflowed; use Reader for overflowed payloads.
func (s *Spool) Bytes() []byte {
	if s.overflow != nil {
		return nil
	}
	return s.mem
}

// String returns the in-memory payload as a string, or "" once overflowed.
func (s *Spool) String() string {
	return string(s.Bytes())
}

// spoolReader stitches the memory prefix to the overflow file and owns the
// file handle.
type spoolReader struct {
	io.Reader
	file *os.File
}

func (r *spoolReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Reader returns a fresh reader over the full payload, prefix and overflow
// stitched together.
func (s *Spool) Reader() (io.ReadCloser, error) {
	if s.closed {
		return nil, errors.NewIOError("reading spool", errors.NewValidationError("spool is closed"))
	}

	prefix := bytes.NewReader(s.mem)

	if s.overflow == nil {
		return &spoolReader{Reader: prefix}, nil
	}

	if err := s.overflow.Sync(); err != nil {
		return nil, errors.NewIOError("syncing spool overflow", err)
	}

	file, err := os.Open(s.path)
	if err != nil {
		return nil, errors.NewIOError("reading spool overflow", err)
	}

	return &spoolReader{Reader: io.MultiReader(prefix, file), file: file}, nil
}

// Close releases the memory prefix and unlinks the overflow file.
// Idempotent.
func (s *Spool) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem = nil

	if s.overflow == nil {
		return nil
	}

	err := s.overflow.Close()
	if removeErr := os.Remove(s.path); removeErr != nil && err == nil {
		err = removeErr
	}
	s.overflow = nil

	if err != nil {
		return errors.NewIOError("closing spool overflow", err)
	}
	return nil
}
