// Package registry implements the per-descriptor socket registry (C3): a
// tagged-variant state machine keyed by file descriptor, distinguishing
// client vs origin, plaintext vs TLS, and tunnel vs framed sockets so the
// framer is never invoked on a tunnel and TLS calls are never made on a
// plaintext socket.
package registry

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// NoPeer is the sentinel value for an entry with no paired descriptor.
const NoPeer = -1

// Entry is one socket's state. Every concrete variant embeds commonFields, which
// carries the fields every role needs (buffer, timestamps, peer linkage).
type Entry interface {
	// FD is this entry's own descriptor.
	FD() int
	// PeerFD is the paired descriptor, or NoPeer.
	PeerFD() int
	// IsClient reports whether this entry represents a client-facing socket.
	IsClient() bool
	// IsTLS reports whether reads/writes on this socket go through a TLS session.
	IsTLS() bool
	// IsTunnel reports whether bytes on this socket are forwarded verbatim to
	// PeerFD without framing.
	IsTunnel() bool
	// LastInputAt is the wall-clock time of the last successful read.
	LastInputAt() time.Time
	// Conn is the net.Conn backing this entry — a *tls.Conn for TLS
	// variants, a plain *net.TCPConn (or test fake) otherwise. Reads and
	// writes always go through this, so callers never branch on TLS-ness
	// except to decide whether the framer applies.
	Conn() net.Conn
	// ConnID is this entry's stable identifier, for correlating log lines
	// across a connection's lifetime.
	ConnID() uuid.UUID

	common() *commonFields
}

// commonFields holds the state shared by every tagged variant.
type commonFields struct {
	fd          int
	connID      uuid.UUID
	conn        net.Conn
	buffer      []byte
	lastInputAt time.Time
	peerFD      int
}

func (c *commonFields) FD() int                { return c.fd }
func (c *commonFields) PeerFD() int            { return c.peerFD }
func (c *commonFields) LastInputAt() time.Time { return c.lastInputAt }
func (c *commonFields) Conn() net.Conn         { return c.conn }
func (c *commonFields) ConnID() uuid.UUID      { return c.connID }
func (c *commonFields) common() *commonFields  { return c }

// PlainClient is a client socket not yet paired to a TLS session.
type PlainClient struct {
	commonFields
}

func (*PlainClient) IsClient() bool { return true }
func (*PlainClient) IsTLS() bool    { return false }
func (*PlainClient) IsTunnel() bool { return false }

// TLSClient is a client socket intercepted via MITM: Conn is the *tls.Conn
// terminating the client-side leg, and PeerFD names the matching TLSOrigin.
type TLSClient struct {
	commonFields
}

func (*TLSClient) IsClient() bool { return true }
func (*TLSClient) IsTLS() bool    { return true }
func (*TLSClient) IsTunnel() bool { return false }

// PlainOrigin is a plaintext origin socket opened to serve a single GET.
type PlainOrigin struct {
	commonFields
	PendingKey string
	Chunked    bool
}

func (*PlainOrigin) IsClient() bool { return false }
func (*PlainOrigin) IsTLS() bool    { return false }
func (*PlainOrigin) IsTunnel() bool { return false }

// TLSOrigin is an origin socket reached through a MITM-terminated leg.
type TLSOrigin struct {
	commonFields
	PendingKey string
	Chunked    bool
}

func (*TLSOrigin) IsClient() bool { return false }
func (*TLSOrigin) IsTLS() bool    { return true }
func (*TLSOrigin) IsTunnel() bool { return false }

// TunnelEnd is either side of an opaque CONNECT tunnel: bytes read on it are
// written verbatim to PeerFD, and the framer is never invoked.
type TunnelEnd struct {
	commonFields
	client bool
}

func (t *TunnelEnd) IsClient() bool { return t.client }
func (*TunnelEnd) IsTLS() bool      { return false }
func (*TunnelEnd) IsTunnel() bool   { return true }

// Registry is a map of open descriptors to their tagged entry, owned by a
// single Proxy/Dispatcher value — never a package-level singleton, so tests
// can run several registries concurrently.
type Registry struct {
	entries map[int]Entry
	clock   func() time.Time
	nextFD  int
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[int]Entry),
		clock:   time.Now,
		nextFD:  3, // 0-2 are conventionally stdin/stdout/stderr
	}
}

// NextFD hands out the next logical descriptor number for a new socket (an
// accepted client, an origin dial, a tunnel's origin leg). It is a
// monotonically increasing counter local to this registry, not a real OS
// file descriptor — the dispatcher bridges between this logical ID and
// whatever handle its net.Conn actually holds.
func (r *Registry) NextFD() int {
	fd := r.nextFD
	r.nextFD++
	return fd
}

// SetClock overrides the registry's time source, for deterministic tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.clock = clock
}

// AddClient registers a new plaintext client entry for fd.
func (r *Registry) AddClient(fd int, conn net.Conn) *PlainClient {
	e := &PlainClient{commonFields: commonFields{
		fd: fd, connID: uuid.New(), conn: conn, lastInputAt: r.clock(), peerFD: NoPeer,
	}}
	r.entries[fd] = e
	return e
}

// AddTLSClient registers a new MITM-terminated client entry for fd.
func (r *Registry) AddTLSClient(fd int, conn net.Conn) *TLSClient {
	e := &TLSClient{
		commonFields: commonFields{fd: fd, connID: uuid.New(), conn: conn, lastInputAt: r.clock(), peerFD: NoPeer},
	}
	r.entries[fd] = e
	return e
}

// AddOrigin registers a plaintext origin entry for fd, paired to clientFD,
// with pendingKey the cache key to install once its response completes.
func (r *Registry) AddOrigin(fd int, conn net.Conn, clientFD int, pendingKey string) *PlainOrigin {
	e := &PlainOrigin{
		commonFields: commonFields{fd: fd, connID: uuid.New(), conn: conn, lastInputAt: r.clock(), peerFD: clientFD},
		PendingKey:   pendingKey,
	}
	r.entries[fd] = e
	return e
}

// AddTLSOrigin registers an origin entry reached through a MITM leg.
func (r *Registry) AddTLSOrigin(fd int, conn net.Conn, clientFD int, pendingKey string) *TLSOrigin {
	e := &TLSOrigin{
		commonFields: commonFields{fd: fd, connID: uuid.New(), conn: conn, lastInputAt: r.clock(), peerFD: clientFD},
		PendingKey:   pendingKey,
	}
	r.entries[fd] = e
	return e
}

// AddTunnel registers both ends of an opaque CONNECT tunnel, cross-linked.
func (r *Registry) AddTunnel(clientFD int, clientConn net.Conn, originFD int, originConn net.Conn) (*TunnelEnd, *TunnelEnd) {
	c := &TunnelEnd{
		commonFields: commonFields{fd: clientFD, connID: uuid.New(), conn: clientConn, lastInputAt: r.clock(), peerFD: originFD},
		client:       true,
	}
	o := &TunnelEnd{
		commonFields: commonFields{fd: originFD, connID: uuid.New(), conn: originConn, lastInputAt: r.clock(), peerFD: clientFD},
		client:       false,
	}
	r.entries[clientFD] = c
	r.entries[originFD] = o
	return c, o
}

// Get returns the entry for fd, if any.
func (r *Registry) Get(fd int) (Entry, bool) {
	e, ok := r.entries[fd]
	return e, ok
}

// IsClient reports whether fd is a known client entry.
func (r *Registry) IsClient(fd int) bool {
	e, ok := r.entries[fd]
	return ok && e.IsClient()
}

// IsTLS reports whether fd is a known TLS entry.
func (r *Registry) IsTLS(fd int) bool {
	e, ok := r.entries[fd]
	return ok && e.IsTLS()
}

// IsTunnel reports whether fd is a known tunnel entry.
func (r *Registry) IsTunnel(fd int) bool {
	e, ok := r.entries[fd]
	return ok && e.IsTunnel()
}

// BufferAppend appends p to fd's receive buffer and returns the updated
// buffer. It is a no-op returning nil if fd is unknown.
func (r *Registry) BufferAppend(fd int, p []byte) []byte {
	e, ok := r.entries[fd]
	if !ok {
		return nil
	}
	c := e.common()
	c.buffer = append(c.buffer, p...)
	return c.buffer
}

// BufferConsume drops the first n bytes of fd's receive buffer, as the
// framer consumes them.
func (r *Registry) BufferConsume(fd int, n int) {
	e, ok := r.entries[fd]
	if !ok {
		return
	}
	c := e.common()
	if n >= len(c.buffer) {
		c.buffer = c.buffer[:0]
		return
	}
	c.buffer = append(c.buffer[:0], c.buffer[n:]...)
}

// Buffer returns fd's current receive buffer.
func (r *Registry) Buffer(fd int) []byte {
	e, ok := r.entries[fd]
	if !ok {
		return nil
	}
	return e.common().buffer
}

// Touch refreshes fd's last-input timestamp to now.
func (r *Registry) Touch(fd int) {
	e, ok := r.entries[fd]
	if !ok {
		return
	}
	e.common().lastInputAt = r.clock()
}

// IsIdleExpired reports whether fd has been silent longer than timeout.
func (r *Registry) IsIdleExpired(fd int, timeout time.Duration) bool {
	e, ok := r.entries[fd]
	if !ok {
		return false
	}
	return r.clock().Sub(e.common().lastInputAt) > timeout
}

// IdleFDs returns every descriptor whose idle time exceeds timeout, for the
// dispatcher's once-per-iteration sweep.
func (r *Registry) IdleFDs(timeout time.Duration) []int {
	var out []int
	now := r.clock()
	for fd, e := range r.entries {
		if now.Sub(e.common().lastInputAt) > timeout {
			out = append(out, fd)
		}
	}
	return out
}

// SetPeer sets fd's paired descriptor. Used to cross-link a MITM client
// entry to the origin already dialed for its CONNECT handshake, since
// AddTLSClient and AddTLSOrigin are called separately and only the origin
// side knows the client's fd at construction time.
func (r *Registry) SetPeer(fd, peerFD int) {
	e, ok := r.entries[fd]
	if !ok {
		return
	}
	e.common().peerFD = peerFD
}

// Remove deletes fd's entry. It is idempotent: removing an unknown fd is a
// no-op.
func (r *Registry) Remove(fd int) {
	delete(r.entries, fd)
}

// PeersOf returns every descriptor whose PeerFD equals fd, used to cascade
// a client's close onto origins it spawned.
func (r *Registry) PeersOf(fd int) []int {
	var out []int
	for other, e := range r.entries {
		if other != fd && e.PeerFD() == fd {
			out = append(out, other)
		}
	}
	return out
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// FDs returns every currently registered descriptor, for shutdown drain.
func (r *Registry) FDs() []int {
	out := make([]int, 0, len(r.entries))
	for fd := range r.entries {
		out = append(out, fd)
	}
	return out
}
