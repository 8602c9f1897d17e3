package buffer

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestSpoolSmallPayloadStaysInMemory(t *testing.T) {
	s := NewSpool(64)
	defer s.Close()

	if _, err := s.Write([]byte("small payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if !s.InMemory() {
		t.Fatalf("payload under the limit must stay in memory")
	}
	if s.SpillPath() != "" {
		t.Fatalf("no overflow file expected, got %q", s.SpillPath())
	}
	if s.String() != "small payload" {
		t.Fatalf("unexpected payload: %q", s.String())
	}
	if s.Size() != int64(len("small payload")) {
		t.Fatalf("unexpected size: %d", s.Size())
	}
}

func TestSpoolOverflowKeepsPrefixInMemory(t *testing.T) {
	s := NewSpool(10)
	defer s.Close()

	if _, err := s.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !s.InMemory() {
		t.Fatalf("payload at the limit must stay in memory")
	}

	if _, err := s.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if s.InMemory() {
		t.Fatalf("payload past the limit must overflow")
	}
	if s.SpillPath() == "" {
		t.Fatalf("expected an overflow file")
	}
	if s.Bytes() != nil {
		t.Fatalf("overflowed payload must not be addressable as one slice")
	}
	if s.Size() != 16 {
		t.Fatalf("unexpected size: %d", s.Size())
	}

	// Only the overflow landed on disk; the prefix never did.
	onDisk, err := os.ReadFile(s.SpillPath())
	if err != nil {
		t.Fatalf("reading overflow: %v", err)
	}
	if string(onDisk) != "abcdef" {
		t.Fatalf("unexpected overflow content: %q", onDisk)
	}
}

func TestSpoolWriteStraddlesLimit(t *testing.T) {
	s := NewSpool(4)
	defer s.Close()

	// One write crossing the limit splits between memory and disk.
	if _, err := s.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if s.InMemory() {
		t.Fatalf("expected overflow")
	}

	reader, err := s.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(payload) != "abcdefgh" {
		t.Fatalf("stitched payload mismatch: %q", payload)
	}
}

func TestSpoolReader(t *testing.T) {
	for _, limit := range []int64{4, 1024} {
		s := NewSpool(limit)

		payload := strings.Repeat("spool reader data ", 8)
		if _, err := s.Write([]byte(payload)); err != nil {
			t.Fatalf("limit %d: write failed: %v", limit, err)
		}

		reader, err := s.Reader()
		if err != nil {
			t.Fatalf("limit %d: reader failed: %v", limit, err)
		}

		got, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			t.Fatalf("limit %d: read failed: %v", limit, err)
		}
		if string(got) != payload {
			t.Fatalf("limit %d: payload mismatch (%d bytes vs %d)", limit, len(got), len(payload))
		}

		s.Close()
	}
}

func TestSpoolCloseRemovesOverflow(t *testing.T) {
	s := NewSpool(1)

	if _, err := s.Write([]byte("forces an overflow file")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	path := s.SpillPath()
	if path == "" {
		t.Fatalf("expected an overflow file")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("overflow file still exists after close")
	}

	// Close is idempotent
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestSpoolWriteAfterClose(t *testing.T) {
	s := NewSpool(64)
	s.Close()

	if _, err := s.Write([]byte("data")); err == nil {
		t.Fatalf("expected write to closed spool to fail")
	}
	if _, err := s.Reader(); err == nil {
		t.Fatalf("expected reader on closed spool to fail")
	}
}
