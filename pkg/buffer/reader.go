package buffer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/WhileEndless/go-elements/pkg/errors"
)

const (
	// DefaultReadSize is the per-call read size used to fill the buffer.
	DefaultReadSize = 4096
)

// MaxBytesError reports that a delimiter scan exceeded its byte ceiling
// before the delimiter appeared.
type MaxBytesError struct {
	Limit int
}

func (e *MaxBytesError) Error() string {
	return fmt.Sprintf("delimiter not found within %d bytes", e.Limit)
}

// Reader buffers an io.Reader and provides the two framing primitives the
// protocol state machines are built on: read-until-delimiter (bounded) and
// read-exactly-N. The delimiter scan is incremental: bytes already scanned
// are not rescanned on the next fill, except for a delimiter-length tail that
// may straddle two reads.
type Reader struct {
	src      io.Reader
	buf      []byte
	scanned  int // bytes of buf already known not to contain the delimiter start
	readSize int
}

// NewReader returns a Reader pulling from src.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:      src,
		readSize: DefaultReadSize,
	}
}

// SetReadSize adjusts the per-fill read size hint. Larger hints reduce
// syscalls while streaming uploads.
func (r *Reader) SetReadSize(n int) {
	if n > 0 {
		r.readSize = n
	}
}

// ReadSize returns the current per-fill read size hint.
func (r *Reader) ReadSize() int {
	return r.readSize
}

// Buffered returns the unconsumed bytes currently held. The returned slice
// aliases internal storage and is only valid until the next Reader call.
func (r *Reader) Buffered() []byte {
	return r.buf
}

// Discard drops the first n buffered bytes.
func (r *Reader) Discard(n int) {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	r.buf = r.buf[n:]
	r.scanned = 0
}

// Fill performs one read from the source, appending to the buffer. It
// returns the underlying error on failure; io.EOF surfaces as an io error
// because the framing layers above always know how many bytes they expect.
func (r *Reader) Fill() error {
	chunk := make([]byte, r.readSize)
	n, err := r.src.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil {
		if err == io.EOF {
			return errors.NewIOError("reading socket", io.ErrUnexpectedEOF)
		}
		return errors.NewIOError("reading socket", err)
	}
	return nil
}

// IndexDelimiter reports the offset of delim in the buffered bytes, or -1.
// The scan resumes where the previous one stopped.
func (r *Reader) IndexDelimiter(delim []byte) int {
	start := r.scanned - len(delim) + 1
	if start < 0 {
		start = 0
	}
	pos := bytes.Index(r.buf[start:], delim)
	if pos < 0 {
		r.scanned = len(r.buf)
		return -1
	}
	r.scanned = 0
	return start + pos
}

// ReadDelimiter blocks until delim appears in the stream and returns all
// bytes up to and including delim, consuming them. If maxBytes > 0 and the
// buffer exceeds maxBytes without the delimiter appearing, a *MaxBytesError
// is returned and the buffered bytes are left in place.
func (r *Reader) ReadDelimiter(delim []byte, maxBytes int) ([]byte, error) {
	for {
		if pos := r.IndexDelimiter(delim); pos >= 0 {
			out := make([]byte, pos+len(delim))
			copy(out, r.buf[:pos+len(delim)])
			r.Discard(pos + len(delim))
			return out, nil
		}

		if maxBytes > 0 && len(r.buf) > maxBytes {
			return nil, &MaxBytesError{Limit: maxBytes}
		}

		if err := r.Fill(); err != nil {
			return nil, err
		}
	}
}

// ReadLength blocks until n bytes are buffered, then consumes and returns
// exactly n bytes.
func (r *Reader) ReadLength(n int) ([]byte, error) {
	for len(r.buf) < n {
		if err := r.Fill(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.Discard(n)
	return out, nil
}
