package server

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/WhileEndless/go-elements/pkg/config"
)

type multipartResult struct {
	params Params
	files  Files
	// first upload's temp file content, captured while the file exists
	uploadContent []byte
}

func newMultipartServer(t *testing.T, settings config.Settings) (*Server, chan multipartResult) {
	t.Helper()
	results := make(chan multipartResult, 1)

	s := newTestServer(t, settings, func(c *Conn) {
		result := multipartResult{params: c.Params, files: c.Files}
		for _, uploads := range c.Files {
			if len(uploads) > 0 {
				result.uploadContent, _ = os.ReadFile(uploads[0].TempName)
				break
			}
		}
		results <- result
		writeHandler("ok")(c)
	})

	return s, results
}

func multipartRequest(boundary, body string) string {
	return "POST /upload HTTP/1.0\r\n" +
		"Content-Type: multipart/form-data; boundary=" + boundary + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

// writeChunks delivers data across many socket writes so delimiters land on
// arbitrary read boundaries.
func writeChunks(t *testing.T, conn net.Conn, data string, n int) {
	t.Helper()
	for i := 0; i < len(data); i += n {
		end := min(i+n, len(data))
		if _, err := conn.Write([]byte(data[i:end])); err != nil {
			t.Fatalf("write failed at offset %d: %v", i, err)
		}
	}
}

func TestMultipartFieldsAndFile(t *testing.T) {
	const boundary = "----testboundary"
	fileContent := strings.Repeat("0123456789", 10)

	body := "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="name"` + "\r\n\r\n" +
		"alice\r\n" +
		"--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="avatar"; filename="avatar.txt"` + "\r\n\r\n" +
		fileContent + "\r\n" +
		"--" + boundary + "--"

	for _, chunkSize := range []int{1, 7, 64, len(body) + 128} {
		t.Run("chunk"+strconv.Itoa(chunkSize), func(t *testing.T) {
			s, results := newMultipartServer(t, testSettings(t))

			conn := dialTestServer(t, s)
			writeChunks(t, conn, multipartRequest(boundary, body), chunkSize)
			readAllWire(t, conn)

			result := <-results

			if result.params.Get("name") != "alice" {
				t.Fatalf(`unexpected params["name"]: %v`, result.params.All("name"))
			}

			upload := result.files.Get("avatar")
			if upload == nil {
				t.Fatalf("avatar upload missing")
			}
			if upload.Filename != "avatar.txt" {
				t.Fatalf("unexpected filename: %q", upload.Filename)
			}
			if upload.Error != UploadOK {
				t.Fatalf("unexpected upload error: %d", upload.Error)
			}
			if upload.Size != int64(len(fileContent)) {
				t.Fatalf("unexpected size: %d", upload.Size)
			}
			if string(result.uploadContent) != fileContent {
				t.Fatalf("upload content mismatch (%d bytes vs %d)", len(result.uploadContent), len(fileContent))
			}

			// The temp file is unlinked once the connection is gone.
			waitForRemoval(t, upload.TempName)
		})
	}
}

func waitForRemoval(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("temp file %s still on disk", path)
}

func TestMultipartUploadMaxSize(t *testing.T) {
	const boundary = "----sizeboundary"

	settings := testSettings(t)
	settings.UploadBufferSize = 128
	settings.MaxUploadSize = 256

	fileContent := strings.Repeat("A", 1024)
	body := "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="big"; filename="big.bin"` + "\r\n\r\n" +
		fileContent + "\r\n" +
		"--" + boundary + "--"

	s, results := newMultipartServer(t, settings)

	conn := dialTestServer(t, s)
	// Deliver in small pieces so the streaming flushes hit the ceiling
	// before the closing boundary is in the buffer.
	writeChunks(t, conn, multipartRequest(boundary, body), 100)
	readAllWire(t, conn)

	result := <-results

	upload := result.files.Get("big")
	if upload == nil {
		t.Fatalf("upload missing")
	}
	if upload.Error != UploadErrMaxSize {
		t.Fatalf("expected max-size error, got %d", upload.Error)
	}
	if upload.Size < 256 || upload.Size >= 1024 {
		t.Fatalf("expected truncation near the ceiling, got size %d", upload.Size)
	}
	for _, b := range result.uploadContent {
		if b != 'A' {
			t.Fatalf("unexpected byte in stored upload: %q", b)
		}
	}

	waitForRemoval(t, upload.TempName)
}

func TestMultipartFirstBoundaryMismatch(t *testing.T) {
	s, _ := newMultipartServer(t, testSettings(t))

	body := "--WRONGBOUNDARY\r\njunk"
	request := "POST /upload HTTP/1.0\r\n" +
		"Content-Type: multipart/form-data; boundary=----expected1234\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	conn := dialTestServer(t, s)
	conn.Write([]byte(request))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 400\r\n") {
		t.Fatalf("expected 400 for wrong first boundary, got %q", raw)
	}
}

func TestMultipartBadSeparator(t *testing.T) {
	const boundary = "----sepboundary"
	s, _ := newMultipartServer(t, testSettings(t))

	body := "--" + boundary + "xxjunk"
	conn := dialTestServer(t, s)
	conn.Write([]byte(multipartRequest(boundary, body)))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 400\r\n") {
		t.Fatalf("expected 400 for bad separator, got %q", raw)
	}
}

func TestMultipartFieldTooLong(t *testing.T) {
	const boundary = "----fieldboundary"
	s, _ := newMultipartServer(t, testSettings(t))

	head := "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="essay"` + "\r\n\r\n"

	conn := dialTestServer(t, s)

	request := "POST /upload HTTP/1.0\r\n" +
		"Content-Type: multipart/form-data; boundary=" + boundary + "\r\n" +
		"Content-Length: 4096\r\n\r\n" + head
	conn.Write([]byte(request))

	// Stream field data past the 1000-byte cap without ever sending the
	// boundary. The writes run beside the read below: the server answers
	// 400 as soon as the cap is passed, and net.Pipe holds no buffer for
	// that answer while the client is still writing.
	go func() {
		data := strings.Repeat("x", 1500)
		for i := 0; i < len(data); i += 300 {
			if _, err := conn.Write([]byte(data[i:min(i+300, len(data))])); err != nil {
				return
			}
		}
	}()

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 400\r\n") {
		t.Fatalf("expected 400 for oversized field, got %q", raw)
	}
}

func TestUploadCleanupOnEarlyShutdown(t *testing.T) {
	const boundary = "----earlyboundary"

	settings := testSettings(t)
	uploadDir := settings.UploadDir

	s, _ := newMultipartServer(t, settings)

	head := "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="doc"; filename="doc.txt"` + "\r\n\r\n" +
		"partial content that never finishes"

	conn := dialTestServer(t, s)
	request := "POST /upload HTTP/1.0\r\n" +
		"Content-Type: multipart/form-data; boundary=" + boundary + "\r\n" +
		"Content-Length: 10000\r\n\r\n" + head
	conn.Write([]byte(request))

	// The temp file appears once the part headers are in.
	var tempName string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(uploadDir)
		if err == nil && len(entries) > 0 {
			tempName = filepath.Join(uploadDir, entries[0].Name())
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tempName == "" {
		t.Fatalf("upload temp file never created")
	}

	// Drop the connection mid-part; shutdown must unlink the temp file.
	conn.Close()
	waitForRemoval(t, tempName)
}
