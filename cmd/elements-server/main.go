// Command elements-server runs a demo server: a hello route, pattern-routed
// greetings, static file downloads, and a WebSocket echo endpoint.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/config"
	"github.com/WhileEndless/go-elements/pkg/server"
)

type helloAction struct {
	*server.HTTPAction
}

func newHelloAction(cfg server.ActionConfig) (server.Action, error) {
	return &helloAction{HTTPAction: &server.HTTPAction{
		Server:       cfg.Server,
		Title:        cfg.Title,
		ResponseCode: cfg.ResponseCode,
	}}, nil
}

func (a *helloAction) Get(c *server.Conn) {
	c.ComposeHeaders(true)
	c.WriteString("<h1>Hello from elements</h1>")
	c.Flush()
}

type greetAction struct {
	*server.HTTPAction
}

func newGreetAction(cfg server.ActionConfig) (server.Action, error) {
	return &greetAction{HTTPAction: &server.HTTPAction{
		Server:       cfg.Server,
		Title:        cfg.Title,
		ResponseCode: cfg.ResponseCode,
	}}, nil
}

func (a *greetAction) Get(c *server.Conn) {
	c.ComposeHeaders(true)
	c.WriteString("<h1>Hello, " + c.Params.Get("name") + "</h1>")
	c.Flush()
}

type echoHandler struct{}

func (echoHandler) HandleConnect(c *server.Conn) {}

func (echoHandler) HandleMessage(c *server.Conn, message []byte) {
	c.WriteMessage(message)
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	configPath := flag.String("config", "", "YAML settings file")
	staticRoot := flag.String("static", "", "directory to serve under /files")
	flag.Parse()

	settings := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading settings: %v", err)
		}
		settings = loaded
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer logger.Sync()

	routes := map[string]server.RouteSpec{
		"/":      {Action: newHelloAction},
		"/greet": {Pattern: "(name:[a-zA-Z]+)", Action: newGreetAction},
	}
	if *staticRoot != "" {
		routes["/files"] = server.RouteSpec{
			Pattern: "(file:.+)",
			Action:  server.NewStaticAction(*staticRoot, "file"),
		}
	}

	srv, err := server.NewRoutingServer(settings, logger, routes)
	if err != nil {
		logger.Fatal("building server", zap.Error(err))
	}

	srv.AllowPersistence(true, 100)
	srv.SetWebSocketHandler(echoHandler{})

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(*addr); err != nil {
		logger.Fatal("serving", zap.Error(err))
	}
}
