// Package timing provides performance measurement utilities for origin
// connection setup, recorded by pkg/transport.Dialer.Connect.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures detailed timing information for one origin round trip.
type Metrics struct {
	// DNSLookup is the time spent resolving the origin hostname.
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing the TCP connection to the
	// origin.
	TCPConnect time.Duration `json:"tcp_connect"`

	// TLSHandshake is the time spent in the dialer's client TLS handshake
	// (0 when the dial did not request TLS).
	TLSHandshake time.Duration `json:"tls_handshake"`

	// TotalTime is the time from NewTimer to the GetMetrics call.
	TotalTime time.Duration `json:"total_time"`
}

// Timer helps measure origin connection timings.
type Timer struct {
	start    time.Time
	dnsStart time.Time
	dnsEnd   time.Time
	tcpStart time.Time
	tcpEnd   time.Time
	tlsStart time.Time
	tlsEnd   time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() { t.dnsStart = time.Now() }

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() { t.dnsEnd = time.Now() }

// StartTCP marks the beginning of TCP connection.
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks the end of TCP connection.
func (t *Timer) EndTCP() { t.tcpEnd = time.Now() }

// StartTLS marks the beginning of a TLS handshake.
func (t *Timer) StartTLS() { t.tlsStart = time.Now() }

// EndTLS marks the end of a TLS handshake.
func (t *Timer) EndTLS() { t.tlsEnd = time.Now() }

// GetMetrics returns the calculated timing metrics.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{TotalTime: time.Since(t.start)}

	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		m.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}

	return m
}

// GetConnectionTime returns the total connection establishment time (DNS + TCP + TLS).
func (m Metrics) GetConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("DNSLookup: %v, TCPConnect: %v, TLSHandshake: %v, TotalTime: %v",
		m.DNSLookup, m.TCPConnect, m.TLSHandshake, m.TotalTime)
}
