package server

import (
	"strings"
	"testing"

	"github.com/WhileEndless/go-elements/pkg/config"
	"github.com/WhileEndless/go-elements/pkg/errors"
)

func TestCompileRoutePattern(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		matches bool
		name    string
		capture string
	}{
		{"(id:[0-9]+)", "123", true, "id", "123"},
		{"(id:[0-9]+)", "abc", false, "", ""},
		{"(name:[a-z]+)/(id:[0-9]+)", "bob/7", true, "id", "7"},
		// an escaped close paren stays inside the group body
		{`(x:a\)b)`, "a)b", true, "x", "a)b"},
		// plain groups pass through untouched
		{"v([0-9]+)", "v42", true, "", ""},
	}

	for _, tt := range tests {
		compiled, err := compileRoutePattern(tt.pattern)
		if err != nil {
			t.Fatalf("pattern %q failed to compile: %v", tt.pattern, err)
		}

		match := compiled.FindStringSubmatch(tt.input)
		if (match != nil) != tt.matches {
			t.Fatalf("pattern %q vs %q: match=%v, expected %v", tt.pattern, tt.input, match != nil, tt.matches)
		}

		if tt.name == "" {
			continue
		}
		found := false
		for i, name := range compiled.SubexpNames() {
			if name == tt.name && match[i] == tt.capture {
				found = true
			}
		}
		if !found {
			t.Fatalf("pattern %q vs %q: capture %q=%q not found", tt.pattern, tt.input, tt.name, tt.capture)
		}
	}
}

func TestCompileRoutePatternAnchored(t *testing.T) {
	compiled, err := compileRoutePattern("(id:[0-9]+)")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if compiled.FindStringSubmatch("x123") != nil {
		t.Fatalf("pattern must anchor at the start of the tail")
	}
}

type echoParamAction struct {
	*HTTPAction
	param string
}

func newEchoParamAction(param string) ActionFactory {
	return func(cfg ActionConfig) (Action, error) {
		return &echoParamAction{
			HTTPAction: &HTTPAction{Server: cfg.Server, Title: cfg.Title, ResponseCode: cfg.ResponseCode},
			param:      param,
		}, nil
	}
}

func (a *echoParamAction) Get(c *Conn) {
	c.ComposeHeaders(true)
	c.WriteString("param=" + c.Params.Get(a.param) + ";args=" + c.InHeaders["SCRIPT_ARGS"])
	c.Flush()
}

func newTestRoutingServer(t *testing.T, routes map[string]RouteSpec) *RoutingServer {
	t.Helper()
	settings := config.Default()
	settings.UploadDir = t.TempDir()

	rs, err := NewRoutingServer(settings, nil, routes)
	if err != nil {
		t.Fatalf("creating routing server: %v", err)
	}
	return rs
}

func TestRoutingDispatchWithPattern(t *testing.T) {
	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/users": {Pattern: "(id:[0-9]+)", Action: newEchoParamAction("id")},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("GET /users:42 HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, "param=42;args=42") {
		t.Fatalf("capture not dispatched: %q", raw)
	}
}

func TestRoutingPatternMismatch404(t *testing.T) {
	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/users": {Pattern: "(id:[0-9]+)", Action: newEchoParamAction("id")},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("GET /users:bob HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 404\r\n") || !strings.Contains(raw, "<h1>Not Found</h1>") {
		t.Fatalf("expected 404 for mismatching tail: %q", raw)
	}
}

func TestRoutingMissingTail404(t *testing.T) {
	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/users": {Pattern: "(id:[0-9]+)", Action: newEchoParamAction("id")},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("GET /users HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 404\r\n") {
		t.Fatalf("expected 404 for missing tail: %q", raw)
	}
}

func TestRoutingUnknownScript404(t *testing.T) {
	rs := newTestRoutingServer(t, map[string]RouteSpec{})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("PUT /unknown HTTP/1.1\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.HasPrefix(raw, "HTTP/1.1 404\r\n") {
		t.Fatalf("unexpected status: %q", raw)
	}
	if !strings.Contains(raw, "<h1>Not Found</h1>") {
		t.Fatalf("unexpected body: %q", raw)
	}
}

func TestRoutingPlainRoute(t *testing.T) {
	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/ping": {Action: newEchoParamAction("unused")},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("GET /ping HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, "param=;args=") {
		t.Fatalf("plain route not dispatched: %q", raw)
	}
}

func TestRoutingMethodNotSupported(t *testing.T) {
	// The base action answers every method with the route's 405 defaults.
	rs := newTestRoutingServer(t, map[string]RouteSpec{
		"/only": {Action: NewHTTPAction},
	})

	conn := dialTestServer(t, rs.Server)
	conn.Write([]byte("DELETE /only HTTP/1.0\r\n\r\n"))

	raw := readAllWire(t, conn)
	if !strings.Contains(raw, " 405\r\n") || !strings.Contains(raw, "<h1>Method Not Supported</h1>") {
		t.Fatalf("expected the 405 defaults: %q", raw)
	}
}

func TestBadRoutePatternIsFatal(t *testing.T) {
	settings := config.Default()
	settings.UploadDir = t.TempDir()

	_, err := NewRoutingServer(settings, nil, map[string]RouteSpec{
		"/broken": {Pattern: "(id:[", Action: NewHTTPAction},
	})
	if errors.GetErrorType(err) != errors.ErrorTypeRoute {
		t.Fatalf("expected route error, got %v", err)
	}
}

func TestMissingActionIsFatal(t *testing.T) {
	settings := config.Default()
	settings.UploadDir = t.TempDir()

	_, err := NewRoutingServer(settings, nil, map[string]RouteSpec{
		"/broken": {},
	})
	if errors.GetErrorType(err) != errors.ErrorTypeRoute {
		t.Fatalf("expected route error, got %v", err)
	}
}

func TestFailingActionFactoryIsFatal(t *testing.T) {
	settings := config.Default()
	settings.UploadDir = t.TempDir()

	failing := func(cfg ActionConfig) (Action, error) {
		return nil, errors.NewValidationError("nope")
	}

	_, err := NewRoutingServer(settings, nil, map[string]RouteSpec{
		"/broken": {Action: failing},
	})
	if errors.GetErrorType(err) != errors.ErrorTypeRoute {
		t.Fatalf("expected route error, got %v", err)
	}
}
