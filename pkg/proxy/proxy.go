// Package proxy implements handle_ready: the decision tree the event
// dispatcher (C5) runs against one ready descriptor, wiring the framer
// (C1), cache (C2), registry (C3) and connection manager (C4) together.
// It is factored out of pkg/dispatcher's epoll loop so it can be driven
// directly by tests against in-memory net.Conn pairs.
package proxy

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/WhileEndless/go-httpproxy/pkg/cache"
	"github.com/WhileEndless/go-httpproxy/pkg/connmgr"
	"github.com/WhileEndless/go-httpproxy/pkg/constants"
	"github.com/WhileEndless/go-httpproxy/pkg/framer"
	"github.com/WhileEndless/go-httpproxy/pkg/registry"
)

// Proxy owns every piece of live state the dispatcher touches. It carries
// no package-level singletons — the dispatcher, tests, and cmd/proxy all
// construct their own Proxy value.
type Proxy struct {
	Registry *registry.Registry
	Cache    *cache.Cache
	ConnMgr  *connmgr.Manager
	Log      hclog.Logger
}

// New constructs a Proxy from its already-initialized collaborators.
func New(reg *registry.Registry, c *cache.Cache, cm *connmgr.Manager, log hclog.Logger) *Proxy {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Proxy{Registry: reg, Cache: c, ConnMgr: cm, Log: log.Named("proxy")}
}

// HandleReady reads off fd, detects peer close or error, forwards verbatim
// on a tunnel, or hands decoded bytes to the framer and dispatches on role.
func (p *Proxy) HandleReady(ctx context.Context, fd int) {
	entry, ok := p.Registry.Get(fd)
	if !ok {
		return
	}
	conn := entry.Conn()

	buf := make([]byte, constants.ReadBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		p.disconnectByRole(entry)
		return
	}
	if n == 0 {
		p.disconnectByRole(entry)
		return
	}

	if entry.IsTunnel() {
		p.relayTunnel(entry, buf[:n])
		p.Registry.Touch(fd)
		return
	}

	buffered := p.Registry.BufferAppend(fd, buf[:n])
	if len(buffered) > constants.MaxSocketBuffer {
		p.Log.Warn("socket buffer exceeded cap, disconnecting", "conn_id", entry.ConnID(), "fd", fd, "size", len(buffered))
		p.disconnectByRole(entry)
		return
	}

	if entry.IsClient() {
		p.drainClientRequests(ctx, fd, entry)
	} else {
		p.drainOriginResponse(fd, entry)
	}

	p.Registry.Touch(fd)
}

func (p *Proxy) relayTunnel(entry registry.Entry, data []byte) {
	peerFD := entry.PeerFD()
	peerEntry, ok := p.Registry.Get(peerFD)
	if !ok {
		return
	}
	if err := connmgr.RelayWrite(peerEntry.Conn(), data); err != nil {
		p.disconnectByRole(peerEntry)
		return
	}
	p.ConnMgr.RecordBytesRelayed(len(data))
}

// drainClientRequests repeatedly extracts complete requests off fd's
// buffer, dispatching each by method, stopping when extraction is
// incomplete.
func (p *Proxy) drainClientRequests(ctx context.Context, fd int, entry registry.Entry) {
	for {
		buf := p.Registry.Buffer(fd)
		req, consumed, complete := framer.ExtractFirstRequest(buf)
		if !complete {
			return
		}
		p.Registry.BufferConsume(fd, consumed)

		rl, headers, err := framer.ParseRequestHead(req)
		if err != nil {
			p.disconnectByRole(entry)
			return
		}

		switch rl.Method {
		case "GET":
			p.getPath(ctx, fd, entry, rl, headers, req)
		case "CONNECT":
			p.connectPath(ctx, fd, entry, rl)
			return // the client fd's role/identity may have just changed (MITM)
		default:
			p.forwardOtherPath(ctx, fd, entry, rl, headers, req)
			return // the request's body, if any, was relayed opaquely below
		}
	}
}

// getPath handles a GET request: a cache hit serves straight from the
// cache; a miss opens (or reuses, in MITM mode) an origin and forwards the
// request.
func (p *Proxy) getPath(ctx context.Context, clientFD int, clientEntry registry.Entry, rl framer.RequestLine, headers framer.RequestHeaders, raw []byte) {
	overTLS := clientEntry.IsTLS()
	hostname, port := framer.SplitHost(headers.Get("Host"), rl.Method, overTLS)
	key := framer.CacheKey(hostname, rl.URL)

	if cached, age, ok := p.Cache.Get(key); ok {
		out := framer.InjectAgeHeader(cached, age)
		if err := connmgr.RelayWrite(clientEntry.Conn(), out); err != nil {
			p.disconnectByRole(clientEntry)
		}
		return
	}

	p.openOriginAndForward(ctx, clientFD, clientEntry, hostname, port, key, raw)
}

// forwardOtherPath relays any method besides GET/CONNECT opaquely to the
// origin, without caching. ExtractFirstRequest only frames the head, so any
// bytes already buffered past it are body bytes (POST, PUT, ...) that must
// ride along in the same relay write rather than be re-fed through the
// request parser on the loop's next pass.
func (p *Proxy) forwardOtherPath(ctx context.Context, clientFD int, clientEntry registry.Entry, rl framer.RequestLine, headers framer.RequestHeaders, raw []byte) {
	overTLS := clientEntry.IsTLS()
	hostname, port := framer.SplitHost(headers.Get("Host"), rl.Method, overTLS)

	if body := p.Registry.Buffer(clientFD); len(body) > 0 {
		raw = append(append([]byte(nil), raw...), body...)
		p.Registry.BufferConsume(clientFD, len(body))
	}

	p.openOriginAndForward(ctx, clientFD, clientEntry, hostname, port, "", raw)
}

// mitmOriginFor returns the TLSOrigin already dialed for clientEntry's
// CONNECT handshake, if clientEntry is MITM-terminated and its paired
// origin is still connected. A request arriving on an established MITM
// tunnel reuses this connection instead of opening a second, unencrypted
// socket to the same host.
func (p *Proxy) mitmOriginFor(clientEntry registry.Entry) (*registry.TLSOrigin, bool) {
	if !clientEntry.IsTLS() {
		return nil, false
	}
	peerEntry, ok := p.Registry.Get(clientEntry.PeerFD())
	if !ok {
		return nil, false
	}
	origin, ok := peerEntry.(*registry.TLSOrigin)
	return origin, ok
}

func (p *Proxy) openOriginAndForward(ctx context.Context, clientFD int, clientEntry registry.Entry, hostname string, port int, pendingKey string, raw []byte) {
	if origin, ok := p.mitmOriginFor(clientEntry); ok {
		origin.PendingKey = pendingKey
		if err := connmgr.RelayWrite(origin.Conn(), raw); err != nil {
			p.ConnMgr.DisconnectOrigin(origin.FD())
			return
		}
		p.ConnMgr.RecordBytesRelayed(len(raw))
		return
	}

	originFD := p.Registry.NextFD()
	origin, err := p.ConnMgr.ConnectOrigin(ctx, originFD, hostname, port, clientFD, pendingKey)
	if err != nil {
		p.Log.Warn("origin connect failed", "conn_id", clientEntry.ConnID(), "host", hostname, "port", port, "error", err)
		return
	}
	if err := connmgr.RelayWrite(origin.Conn(), raw); err != nil {
		p.ConnMgr.DisconnectOrigin(origin.FD())
		return
	}
	p.ConnMgr.RecordBytesRelayed(len(raw))
}

// connectPath dispatches a CONNECT request to ConnMgr's opaque or MITM mode.
func (p *Proxy) connectPath(ctx context.Context, clientFD int, clientEntry registry.Entry, rl framer.RequestLine) {
	hostname, port := framer.SplitHost(rl.URL, "CONNECT", false)
	originFD := p.Registry.NextFD()

	if p.ConnMgr.MITMEnabled() {
		if _, _, err := p.ConnMgr.HandleConnectMITM(ctx, clientFD, clientEntry.Conn(), originFD, hostname, port); err != nil {
			p.Log.Warn("MITM connect failed", "conn_id", clientEntry.ConnID(), "host", hostname, "error", err)
			p.ConnMgr.DisconnectClient(clientFD)
		}
		return
	}

	if _, _, err := p.ConnMgr.HandleConnectOpaque(ctx, clientFD, clientEntry.Conn(), originFD, hostname, port); err != nil {
		p.Log.Warn("opaque connect failed", "conn_id", clientEntry.ConnID(), "host", hostname, "error", err)
		p.ConnMgr.DisconnectClient(clientFD)
	}
}

// drainOriginResponse runs extract_first_response once; on completion it
// stores the response in cache (if pending_key is set) and writes it to the
// paired client. A one-shot PlainOrigin (dialed fresh per GET) is then
// disconnected. A TLSOrigin dialed for a MITM tunnel is left open instead —
// it was dialed once for the CONNECT handshake and is reused across every
// later request on that tunnel, so only its consumed bytes and pending
// cache key are cleared, not the connection itself.
func (p *Proxy) drainOriginResponse(fd int, entry registry.Entry) {
	var pendingKey string
	var chunked bool
	var persistent bool

	switch o := entry.(type) {
	case *registry.PlainOrigin:
		pendingKey = o.PendingKey
		chunked = o.Chunked
		defer func() { o.Chunked = chunked }()
	case *registry.TLSOrigin:
		pendingKey = o.PendingKey
		chunked = o.Chunked
		persistent = true
		defer func() { o.Chunked = chunked }()
	default:
		return
	}

	buf := p.Registry.Buffer(fd)
	resp, consumed, maxAge, complete, err := framer.ExtractFirstResponse(buf, &chunked)
	if err != nil {
		p.ConnMgr.DisconnectOrigin(fd)
		return
	}
	if !complete {
		return
	}

	if pendingKey != "" {
		if err := p.Cache.Put(pendingKey, resp, maxAge); err != nil {
			p.Log.Warn("cache put failed", "key", pendingKey, "error", err)
		}
	}

	if peerFD := entry.PeerFD(); peerFD != registry.NoPeer {
		if peerEntry, ok := p.Registry.Get(peerFD); ok {
			if err := connmgr.RelayWrite(peerEntry.Conn(), resp); err != nil {
				p.disconnectByRole(peerEntry)
			}
		}
	}

	if persistent {
		p.Registry.BufferConsume(fd, consumed)
		if o, ok := entry.(*registry.TLSOrigin); ok {
			o.PendingKey = ""
		}
		return
	}

	p.ConnMgr.DisconnectOrigin(fd)
}

// disconnectByRole runs the disconnect cascade appropriate to entry's role.
func (p *Proxy) disconnectByRole(entry registry.Entry) {
	if entry.IsClient() {
		p.ConnMgr.DisconnectClient(entry.FD())
	} else {
		p.ConnMgr.DisconnectOrigin(entry.FD())
	}
}

// SweepIdle disconnects every descriptor whose idle time exceeds timeout,
// run once per dispatcher loop iteration.
func (p *Proxy) SweepIdle(idleTimeout time.Duration) {
	for _, fd := range p.Registry.IdleFDs(idleTimeout) {
		if entry, ok := p.Registry.Get(fd); ok {
			p.disconnectByRole(entry)
		}
	}
}

// Drain closes every open client and origin socket and clears the cache,
// on SIGINT shutdown.
func (p *Proxy) Drain() {
	for _, fd := range p.Registry.FDs() {
		if entry, ok := p.Registry.Get(fd); ok {
			p.disconnectByRole(entry)
		}
	}
	p.Cache.Clear()
}
