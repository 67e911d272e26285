// Package constants defines magic numbers and default values used throughout
// the proxy core.
package constants

import "time"

// Connection timeouts and limits
const (
	// DefaultIdleTimeout is how long a client or origin socket may sit
	// without a successful read before the dispatcher disconnects it.
	DefaultIdleTimeout = 90 * time.Second

	// DefaultConnTimeout is a bound for the synchronous DNS lookup + TCP
	// dial of an origin. pkg/connmgr's dials do not pass it to the dialer,
	// so their TCP connect runs without a dial deadline.
	DefaultConnTimeout = 10 * time.Second

	// DefaultDNSTimeout is a bound for hostname resolution. pkg/transport
	// applies the same 5s value on its own when a dial's DNSTimeout is zero.
	DefaultDNSTimeout = 5 * time.Second

	// DefaultTLSHandshakeTimeout is a bound for the MITM TLS handshakes of
	// an intercepted CONNECT tunnel. pkg/connmgr runs both handshakes under
	// the caller's context and does not apply it.
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// HTTP framing limits
const (
	// MaxHeadBytes caps the response head (start line + headers +
	// terminator) the framer will scan before giving up as a framing error.
	// Request heads are bounded only by MaxSocketBuffer.
	MaxHeadBytes = 64 * 1024

	// DefaultMaxAge is the TTL applied to a cached response when no
	// Cache-Control: max-age directive is present.
	DefaultMaxAge = 3600

	// MaxContentLength rejects implausibly large Content-Length values
	// outright rather than trusting an origin that may be malicious.
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Socket and dispatcher limits
const (
	// ReadBufSize is the size of the per-readiness-event read() call the
	// dispatcher issues against a ready descriptor.
	ReadBufSize = 64 * 1024

	// MaxSocketBuffer caps how large a single socket's unconsumed buffer
	// may grow before the dispatcher disconnects it as resource abuse.
	MaxSocketBuffer = 16 * 1024 * 1024

	// MaxEvents is the size of the epoll_wait event batch per loop
	// iteration.
	MaxEvents = 256
)

// Cache defaults
const (
	// DefaultCacheCapacity is the number of entries the LRU cache holds
	// when no explicit capacity is configured.
	DefaultCacheCapacity = 1024

	// DefaultBodyMemLimit is the in-memory threshold before a cached
	// response body spills to disk.
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
)

// Default ports, keyed by the method/scheme that implies them.
const (
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)
