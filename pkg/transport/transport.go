// Package transport provides the low-level dialer and connection reuse for
// outbound requests.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WhileEndless/go-elements/pkg/errors"
	"github.com/WhileEndless/go-elements/pkg/timing"
)

// Config holds per-request transport configuration.
type Config struct {
	Host string
	Port int

	// Timeouts. Zero disables the corresponding deadline.
	ConnTimeout time.Duration
	DNSTimeout  time.Duration // 0 = use ConnTimeout

	// ReuseConnection enables keep-alive pooling keyed by host:port.
	ReuseConnection bool
}

// Transport dials targets and keeps idle keep-alive connections for reuse.
type Transport struct {
	resolver *net.Resolver

	mu   sync.Mutex
	idle map[string][]net.Conn
}

// New returns a Transport using the system resolver.
func New() *Transport {
	return NewWithResolver(net.DefaultResolver)
}

// NewWithResolver returns a Transport using a custom resolver.
func NewWithResolver(resolver *net.Resolver) *Transport {
	return &Transport{
		resolver: resolver,
		idle:     map[string][]net.Conn{},
	}
}

// Connect returns a connection to the configured target, reusing an idle
// one when allowed. The reused flag tells the caller whether the connection
// came from the pool.
func (t *Transport) Connect(ctx context.Context, config Config, timer *timing.Timer) (conn net.Conn, reused bool, err error) {
	key := poolKey(config.Host, config.Port)

	if config.ReuseConnection {
		if conn := t.takeIdle(key); conn != nil {
			return conn, true, nil
		}
	}

	ip, err := t.resolve(ctx, config, timer)
	if err != nil {
		return nil, false, err
	}

	timer.StartTCP()
	dialer := net.Dialer{Timeout: config.ConnTimeout}
	conn, dialErr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", config.Port)))
	timer.EndTCP()
	if dialErr != nil {
		return nil, false, errors.NewConnectionError(fmt.Sprintf("%s:%d", config.Host, config.Port), dialErr)
	}

	return conn, false, nil
}

// resolve turns the host into a dialable IP, skipping DNS for literals.
func (t *Transport) resolve(ctx context.Context, config Config, timer *timing.Timer) (string, error) {
	if ip := net.ParseIP(config.Host); ip != nil {
		return config.Host, nil
	}

	timeout := config.DNSTimeout
	if timeout == 0 {
		timeout = config.ConnTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer.StartDNS()
	addrs, err := t.resolver.LookupIPAddr(ctx, config.Host)
	timer.EndDNS()
	if err != nil {
		return "", errors.NewDNSError(config.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(config.Host, nil)
	}

	return addrs[0].IP.String(), nil
}

// Release parks a connection for reuse against its target.
func (t *Transport) Release(host string, port int, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := poolKey(host, port)
	t.idle[key] = append(t.idle[key], conn)
}

// takeIdle pops an idle connection that still looks alive.
func (t *Transport) takeIdle(key string) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		conns := t.idle[key]
		if len(conns) == 0 {
			return nil
		}

		conn := conns[len(conns)-1]
		t.idle[key] = conns[:len(conns)-1]

		if isAlive(conn) {
			return conn
		}
		conn.Close()
	}
}

// isAlive probes a parked connection: a read timeout means the peer is
// still holding the connection open with nothing buffered.
func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}

// Close drops every idle connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, conns := range t.idle {
		for _, conn := range conns {
			conn.Close()
		}
		delete(t.idle, key)
	}
}

// IdleCount reports the parked connections for a target.
func (t *Transport) IdleCount(host string, port int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.idle[poolKey(host, port)])
}

func poolKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
