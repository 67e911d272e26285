// Package connmgr implements the connection manager (C4): accepting
// clients, dialing origins, establishing CONNECT tunnels in opaque or MITM
// mode, and running the disconnect cascade that keeps the registry free of
// dangling peer references.
package connmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/WhileEndless/go-httpproxy/pkg/errors"
	"github.com/WhileEndless/go-httpproxy/pkg/metrics"
	"github.com/WhileEndless/go-httpproxy/pkg/registry"
	"github.com/WhileEndless/go-httpproxy/pkg/timing"
	"github.com/WhileEndless/go-httpproxy/pkg/tlsconfig"
	"github.com/WhileEndless/go-httpproxy/pkg/transport"
)

// ConnectResponseLine is the status line the proxy replies with once a
// CONNECT tunnel (opaque or MITM) is established.
const ConnectResponseLine = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Watcher is the dispatcher's epoll readiness set. The connection manager
// calls back into it whenever it creates or destroys a socket mid-request
// (an origin dial, a CONNECT tunnel's two legs), so the readiness set never
// drifts out of sync with the registry without pkg/dispatcher needing its
// own copy of connmgr's bookkeeping. A Manager with no watcher attached
// (the default, and every test in this package) simply skips these calls.
type Watcher interface {
	Watch(fd int, conn net.Conn) error
	Unwatch(fd int)
}

// Manager wires the registry to the dialer and, when configured, to the
// MITM identity used to terminate intercepted CONNECT tunnels.
type Manager struct {
	reg     *registry.Registry
	dialer  *transport.Dialer
	mitm    *tlsconfig.Identity // nil selects opaque-tunnel mode
	log     hclog.Logger
	watcher Watcher
	metrics *metrics.Collectors
}

// New constructs a Manager. identity may be nil, in which case every
// CONNECT is handled as an opaque tunnel.
func New(reg *registry.Registry, dialer *transport.Dialer, identity *tlsconfig.Identity, log hclog.Logger) *Manager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Manager{reg: reg, dialer: dialer, mitm: identity, log: log.Named("connmgr")}
}

// SetWatcher attaches the dispatcher's readiness set. Called once during
// startup wiring, before the listener starts accepting.
func (m *Manager) SetWatcher(w Watcher) {
	m.watcher = w
}

// SetMetrics attaches the Prometheus collectors this manager drives as it
// accepts, dials, and tears down sockets. Called once during startup
// wiring; a Manager with none attached (the default, and every test in this
// package except the metrics tests) simply skips these calls.
func (m *Manager) SetMetrics(c *metrics.Collectors) {
	m.metrics = c
}

// release updates the active-connection gauges for an entry that just left
// the registry, matching its role.
func (m *Manager) release(entry registry.Entry) {
	if m.metrics == nil {
		return
	}
	switch entry.(type) {
	case *registry.PlainClient, *registry.TLSClient:
		m.metrics.ActiveClients.Dec()
	case *registry.PlainOrigin, *registry.TLSOrigin:
		m.metrics.ActiveOrigins.Dec()
	case *registry.TunnelEnd:
		if entry.IsClient() {
			m.metrics.ActiveTunnels.Dec()
			// The client leg was counted as an active client at accept.
			m.metrics.ActiveClients.Dec()
		}
	}
}

// RecordBytesRelayed adds n to the bytes-relayed counter. Called from
// pkg/proxy's opaque-tunnel relay and from every request it writes to an
// origin (a fresh dial or a reused MITM origin), which write directly to
// sockets this manager doesn't otherwise see.
func (m *Manager) RecordBytesRelayed(n int) {
	if m.metrics != nil && n > 0 {
		m.metrics.BytesRelayed.Add(float64(n))
	}
}

func (m *Manager) watch(fd int, conn net.Conn) {
	if m.watcher == nil {
		return
	}
	if err := m.watcher.Watch(fd, conn); err != nil {
		m.log.Warn("failed to register descriptor for readiness", "fd", fd, "error", err)
	}
}

func (m *Manager) unwatch(fd int) {
	if m.watcher != nil {
		m.watcher.Unwatch(fd)
	}
}

// MITMEnabled reports whether CONNECT requests are intercepted.
func (m *Manager) MITMEnabled() bool {
	return m.mitm != nil
}

// AcceptClient registers a freshly accepted client connection and adds it
// to the readiness set.
func (m *Manager) AcceptClient(fd int, conn net.Conn) *registry.PlainClient {
	m.log.Debug("client accepted", "fd", fd, "remote", conn.RemoteAddr())
	c := m.reg.AddClient(fd, conn)
	m.watch(fd, conn)
	if m.metrics != nil {
		m.metrics.ActiveClients.Inc()
	}
	return c
}

// ConnectOrigin resolves hostname and dials it, registering a plaintext
// origin entry paired to clientFD with pendingKey as its eventual cache
// key. On any failure the dialed socket is closed and no registry entry is
// created, matching connect_origin's failure contract.
func (m *Manager) ConnectOrigin(ctx context.Context, fd int, hostname string, port int, clientFD int, pendingKey string) (*registry.PlainOrigin, error) {
	conn, err := m.dialer.Connect(ctx, transport.Config{Host: hostname, Port: port}, timing.NewTimer())
	if err != nil {
		return nil, errors.NewConnectionError(hostname, port, err)
	}
	o := m.reg.AddOrigin(fd, conn, clientFD, pendingKey)
	m.watch(fd, conn)
	if m.metrics != nil {
		m.metrics.ActiveOrigins.Inc()
	}
	return o, nil
}

// HandleConnectOpaque implements the opaque-tunnel CONNECT mode: dial the
// target, cross-link both ends as tunnels, and reply to the client. Bytes
// on either fd are thereafter forwarded verbatim by the dispatcher; the
// framer is never invoked on either entry.
func (m *Manager) HandleConnectOpaque(ctx context.Context, clientFD int, clientConn net.Conn, originFD int, hostname string, port int) (*registry.TunnelEnd, *registry.TunnelEnd, error) {
	originConn, err := m.dialer.Connect(ctx, transport.Config{Host: hostname, Port: port}, timing.NewTimer())
	if err != nil {
		return nil, nil, errors.NewConnectionError(hostname, port, err)
	}

	if _, err := clientConn.Write([]byte(ConnectResponseLine)); err != nil {
		originConn.Close()
		return nil, nil, errors.NewIOError("writing connect-established to client", err)
	}

	c, o := m.reg.AddTunnel(clientFD, clientConn, originFD, originConn)
	m.watch(originFD, originConn)
	if m.metrics != nil {
		m.metrics.ActiveTunnels.Inc()
	}
	m.log.Debug("opaque tunnel established", "client_fd", clientFD, "origin_fd", originFD, "host", hostname, "port", port)
	return c, o, nil
}

// HandleConnectMITM implements the MITM CONNECT mode: dial the origin over
// plain TCP, reply 200 to the client *before* performing the client-side
// TLS accept, then wrap the client leg as a TLS server
// using the loaded identity and the origin leg as a TLS client. Both
// resulting entries are non-tunnel; the framer runs on decrypted bytes
// exactly as for plaintext sockets.
func (m *Manager) HandleConnectMITM(ctx context.Context, clientFD int, rawClientConn net.Conn, originFD int, hostname string, port int) (*registry.TLSClient, *registry.TLSOrigin, error) {
	if m.mitm == nil {
		return nil, nil, errors.NewProtocolError("MITM requested but no identity loaded", nil)
	}

	originConn, err := m.dialer.Connect(ctx, transport.Config{Host: hostname, Port: port}, timing.NewTimer())
	if err != nil {
		return nil, nil, errors.NewConnectionError(hostname, port, err)
	}

	if _, err := rawClientConn.Write([]byte(ConnectResponseLine)); err != nil {
		originConn.Close()
		return nil, nil, errors.NewIOError("writing connect-established to client", err)
	}

	originTLSCfg := &tls.Config{ServerName: hostname}
	tlsconfig.ApplyVersionProfile(originTLSCfg, tlsconfig.ProfileSecure)
	tlsconfig.ApplyCipherSuites(originTLSCfg, originTLSCfg.MinVersion)
	originTLSConn := tls.Client(originConn, originTLSCfg)
	if err := originTLSConn.HandshakeContext(ctx); err != nil {
		originConn.Close()
		return nil, nil, errors.NewTLSError(hostname, port, err)
	}

	clientTLSConn := tls.Server(rawClientConn, m.mitm.ServerConfig())
	if err := clientTLSConn.HandshakeContext(ctx); err != nil {
		originTLSConn.Close()
		return nil, nil, errors.NewTLSError(hostname, port, err)
	}

	pendingKey := hostname
	tc := m.reg.AddTLSClient(clientFD, clientTLSConn)
	to := m.reg.AddTLSOrigin(originFD, originTLSConn, clientFD, pendingKey)
	// Cross-links the client entry to the origin it won't otherwise
	// reference, so later GETs reusing the tunnel can find it from either
	// side without re-dialing.
	m.reg.SetPeer(clientFD, originFD)
	// The client fd's underlying kernel descriptor is unchanged by the TLS
	// wrap; re-watching it just points the readiness set at the new
	// *tls.Conn wrapper for reads. The origin fd is new and must be added.
	m.watch(clientFD, clientTLSConn)
	m.watch(originFD, originTLSConn)
	if m.metrics != nil {
		// The client leg was already counted by AcceptClient.
		m.metrics.ActiveOrigins.Inc()
	}
	m.log.Debug("MITM tunnel established", "client_fd", clientFD, "origin_fd", originFD, "host", hostname, "port", port)
	return tc, to, nil
}

// DisconnectClient closes fd's connection and every origin it spawned,
// then removes all affected registry entries. It never closes a peer
// client of a tunnel it is not itself (that is DisconnectOrigin's job when
// closing a tunnel end) — this cascade only walks client → origin.
func (m *Manager) DisconnectClient(fd int) error {
	var result *multierror.Error

	entry, ok := m.reg.Get(fd)
	if !ok {
		return nil
	}

	peers := m.reg.PeersOf(fd)

	if conn := entry.Conn(); conn != nil {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing client fd %d: %w", fd, err))
		}
	}
	m.reg.Remove(fd)
	m.unwatch(fd)
	m.release(entry)

	for _, peerFD := range peers {
		if peerEntry, ok := m.reg.Get(peerFD); ok {
			if conn := peerEntry.Conn(); conn != nil {
				if err := conn.Close(); err != nil {
					result = multierror.Append(result, fmt.Errorf("closing spawned origin fd %d: %w", peerFD, err))
				}
			}
			m.reg.Remove(peerFD)
			m.unwatch(peerFD)
			m.release(peerEntry)
		}
	}

	return result.ErrorOrNil()
}

// DisconnectOrigin closes fd's connection and removes its entry. If fd was
// part of a tunnel, its peer client is closed too (a tunnel has no
// independent life once either leg dies). If fd was a plain GET origin,
// its peer client is left open — it may serve more requests on the same
// socket.
func (m *Manager) DisconnectOrigin(fd int) error {
	var result *multierror.Error

	entry, ok := m.reg.Get(fd)
	if !ok {
		return nil
	}

	wasTunnel := entry.IsTunnel()
	peerFD := entry.PeerFD()

	if conn := entry.Conn(); conn != nil {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing origin fd %d: %w", fd, err))
		}
	}
	m.reg.Remove(fd)
	m.unwatch(fd)
	m.release(entry)

	if wasTunnel && peerFD != registry.NoPeer {
		if peerEntry, ok := m.reg.Get(peerFD); ok {
			if conn := peerEntry.Conn(); conn != nil {
				if err := conn.Close(); err != nil {
					result = multierror.Append(result, fmt.Errorf("closing tunnel peer fd %d: %w", peerFD, err))
				}
			}
			m.reg.Remove(peerFD)
			m.unwatch(peerFD)
			m.release(peerEntry)
		}
	}

	return result.ErrorOrNil()
}

// RelayWrite writes p to fd's connection in full. A short write, a zero
// write, or any error is treated as fatal for the socket being written to:
// the caller must disconnect that side rather than assume the remainder
// was queued.
func RelayWrite(conn net.Conn, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := conn.Write(p)
	if err != nil {
		return errors.NewIOError("write", err)
	}
	if n < len(p) {
		return errors.NewIOError("short write", nil)
	}
	return nil
}
