// Package timing provides performance measurement utilities for outbound
// requests.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures detailed timing information for a request.
type Metrics struct {
	// DNSLookup is the time spent performing DNS resolution
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing the TCP connection
	TCPConnect time.Duration `json:"tcp_connect"`

	// TTFB (Time To First Byte) is the time spent waiting for the first
	// response byte; this represents server processing time
	TTFB time.Duration `json:"ttfb"`

	// TotalTime is the total end-to-end request time
	TotalTime time.Duration `json:"total_time"`
}

// String formats the metrics for log lines.
func (m Metrics) String() string {
	return fmt.Sprintf("dns=%v tcp=%v ttfb=%v total=%v", m.DNSLookup, m.TCPConnect, m.TTFB, m.TotalTime)
}

// Timer helps measure request timings.
type Timer struct {
	start     time.Time
	dnsStart  time.Time
	dnsEnd    time.Time
	tcpStart  time.Time
	tcpEnd    time.Time
	ttfbStart time.Time
	ttfbEnd   time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() { t.dnsStart = time.Now() }

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() { t.dnsEnd = time.Now() }

// StartTCP marks the beginning of the TCP connection.
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks the end of the TCP connection.
func (t *Timer) EndTCP() { t.tcpEnd = time.Now() }

// StartTTFB marks when we start waiting for the first response byte.
func (t *Timer) StartTTFB() { t.ttfbStart = time.Now() }

// EndTTFB marks when we receive the first response byte.
func (t *Timer) EndTTFB() { t.ttfbEnd = time.Now() }

// GetMetrics returns the calculated timing metrics.
func (t *Timer) GetMetrics() Metrics {
	metrics := Metrics{
		TotalTime: time.Since(t.start),
	}

	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		metrics.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		metrics.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.ttfbStart.IsZero() && !t.ttfbEnd.IsZero() {
		metrics.TTFB = t.ttfbEnd.Sub(t.ttfbStart)
	}

	return metrics
}
