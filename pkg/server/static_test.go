package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServeStaticFile(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("static payload\n", 100)
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	s := newTestServer(t, testSettings(t), func(c *Conn) {
		if !c.ServeStaticFile(path, "") {
			c.RaiseError(Status404)
		}
	})

	conn := dialTestServer(t, s)
	conn.Write([]byte("GET /download HTTP/1.1\r\n\r\n"))

	raw := readAllWire(t, conn)

	if !strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status: %q", raw)
	}
	if strings.Contains(raw, "Transfer-Encoding") {
		t.Fatalf("static responses must not be chunked: %q", raw)
	}
	if !strings.Contains(raw, "Content-Disposition: attachment; filename=report.txt\r\n") {
		t.Fatalf("disposition header missing: %q", raw)
	}
	if !strings.HasSuffix(raw, content) {
		t.Fatalf("body mismatch (%d bytes)", len(raw))
	}
}

func TestServeStaticFileSubstituteName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-name.bin")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	s := newTestServer(t, testSettings(t), func(c *Conn) {
		c.ServeStaticFile(path, "download.bin")
	})

	conn := dialTestServer(t, s)
	conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, "Content-Disposition: attachment; filename=download.bin\r\n") {
		t.Fatalf("substitute filename missing: %q", raw)
	}
}

func TestServeStaticFileMissing(t *testing.T) {
	s := newTestServer(t, testSettings(t), func(c *Conn) {
		if c.ServeStaticFile(filepath.Join(t.TempDir(), "absent"), "") {
			t.Errorf("serving a missing file must fail")
		}
		c.RaiseError(Status404)
	})

	conn := dialTestServer(t, s)
	conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 404\r\n") {
		t.Fatalf("expected 404: %q", raw)
	}
}

func TestStaticActionServesUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "page.txt"), []byte("hello static"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/files": {Pattern: "(file:.+)", Action: NewStaticAction(root, "file")},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("GET /files:page.txt HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.HasSuffix(raw, "hello static") {
		t.Fatalf("static action body mismatch: %q", raw)
	}
}

func TestStaticActionBlocksTraversal(t *testing.T) {
	root := filepath.Join(t.TempDir(), "public")
	if err := os.Mkdir(root, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	secret := filepath.Join(filepath.Dir(root), "secret.txt")
	if err := os.WriteFile(secret, []byte("top secret"), 0o600); err != nil {
		t.Fatalf("writing secret: %v", err)
	}

	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/files": {Pattern: "(file:.+)", Action: NewStaticAction(root, "file")},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("GET /files:../secret.txt HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if strings.Contains(raw, "top secret") {
		t.Fatalf("traversal leaked file contents")
	}
	if !strings.Contains(raw, " 404\r\n") {
		t.Fatalf("expected 404 for traversal: %q", raw)
	}
}
