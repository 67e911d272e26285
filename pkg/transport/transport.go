// Package transport dials origin connections: DNS resolution, TCP connect,
// and an optional TLS client handshake. It is the proxy's one-shot origin
// dialer — unlike the client library this was adapted from, it never pools
// or reuses connections (each Connect dials a new socket; only pkg/proxy
// keeps a MITM tunnel's origin open across requests) and never chains
// through an upstream proxy (chaining is outside the forward proxy's scope).
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/WhileEndless/go-httpproxy/pkg/errors"
	"github.com/WhileEndless/go-httpproxy/pkg/timing"
)

// Config describes one origin dial.
type Config struct {
	Host string
	Port int

	ConnTimeout time.Duration
	DNSTimeout  time.Duration

	// TLS, when true, wraps the TCP connection in a client TLS handshake
	// using ServerName as SNI. No dial in pkg/connmgr sets it: opaque
	// tunnels relay the client's own TLS bytes, and the MITM origin leg is
	// wrapped by pkg/connmgr itself after a plain TCP dial.
	TLS        bool
	ServerName string
	// InsecureSkipVerify disables origin certificate verification on the
	// TLS handshake above.
	InsecureSkipVerify bool
}

// Dialer resolves and connects to origin hosts.
type Dialer struct {
	resolver *net.Resolver
}

// New constructs a Dialer using the system resolver.
func New() *Dialer {
	return &Dialer{resolver: net.DefaultResolver}
}

// NewWithResolver constructs a Dialer using a caller-supplied resolver, for
// tests that need deterministic DNS behavior.
func NewWithResolver(resolver *net.Resolver) *Dialer {
	return &Dialer{resolver: resolver}
}

// Connect resolves config.Host, dials it, and if config.TLS performs a
// client TLS handshake, recording each phase's duration on timer. On any
// failure the partially-created socket is closed and a nil conn is
// returned, matching the registry's "no entry remains on failure" rule for
// connect_origin.
func (d *Dialer) Connect(ctx context.Context, config Config, timer *timing.Timer) (net.Conn, error) {
	dialAddr, err := d.resolveAddress(ctx, config, timer)
	if err != nil {
		return nil, err
	}

	conn, err := d.connectTCP(ctx, dialAddr, config.ConnTimeout, timer)
	if err != nil {
		return nil, err
	}

	if !config.TLS {
		return conn, nil
	}

	tlsConn, err := d.upgradeTLS(ctx, conn, config, timer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *Dialer) resolveAddress(ctx context.Context, config Config, timer *timing.Timer) (string, error) {
	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := config.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = 5 * time.Second
	}

	ctxLookup, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(ctxLookup, config.Host)
	if err != nil {
		return "", errors.NewDNSError(config.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(config.Host, errors.NewValidationError("no IP addresses found"))
	}

	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(config.Port)), nil
}

func (d *Dialer) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", dialAddr)
}

func (d *Dialer) upgradeTLS(ctx context.Context, conn net.Conn, config Config, timer *timing.Timer) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	handshakeTimeout := config.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	serverName := config.ServerName
	if serverName == "" {
		serverName = config.Host
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: config.InsecureSkipVerify,
		NextProtos:         []string{"http/1.1"},
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, errors.NewTLSError(config.Host, config.Port, err)
	}
	return tlsConn, nil
}

// TLSVersionString converts a TLS version constant to its display name.
func TLSVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown TLS version: 0x%04X", version)
	}
}
