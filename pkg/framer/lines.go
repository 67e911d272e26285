package framer

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-httpproxy/pkg/constants"
	"github.com/WhileEndless/go-httpproxy/pkg/errors"
)

// RequestLine holds the parsed first line of an HTTP request.
type RequestLine struct {
	Method  string
	URL     string
	Version string
}

// ParseRequestLine parses "METHOD SP URL SP VERSION CRLF" (only the bytes
// before the first CRLF, if any, are parsed; it may be given a whole head).
// Header names are matched case-sensitively throughout this package,
// mirroring the reference proxy's behavior (see DESIGN.md Open Questions).
func ParseRequestLine(head []byte) (RequestLine, error) {
	line, _, _ := bytes.Cut(head, []byte("\r\n"))
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, errors.NewFramingError("parse-request-line", "malformed request line", nil)
	}
	return RequestLine{Method: parts[0], URL: parts[1], Version: parts[2]}, nil
}

// RequestHeaders holds a parsed request's header multimap, exported so
// pkg/proxy can read Host without reaching into this package's internals.
type RequestHeaders map[string][]string

// Get returns the first value for name, or "" if absent.
func (h RequestHeaders) Get(name string) string {
	vals := h[name]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// ParseRequestHead parses the request line and header block of a complete
// request head (as returned by ExtractFirstRequest).
func ParseRequestHead(head []byte) (RequestLine, RequestHeaders, error) {
	trimmed := bytes.TrimSuffix(head, headTerminator)
	lines := bytes.Split(trimmed, []byte("\r\n"))
	if len(lines) == 0 {
		return RequestLine{}, nil, errors.NewFramingError("parse-request-head", "empty request head", nil)
	}

	rl, err := ParseRequestLine(lines[0])
	if err != nil {
		return RequestLine{}, nil, err
	}

	h := make(RequestHeaders)
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(": "))
		if !ok {
			continue
		}
		k, v := string(name), string(value)
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			continue
		}
		h[k] = append(h[k], v)
	}

	return rl, h, nil
}

// StatusLine holds the parsed first line of an HTTP response.
type StatusLine struct {
	Version string
	Code    int
	Phrase  string
}

func parseStatusLine(line []byte) (StatusLine, error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return StatusLine{}, errors.NewFramingError("parse-status-line", "malformed status line", nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return StatusLine{}, errors.NewFramingError("parse-status-line", "invalid status code", err)
	}
	phrase := ""
	if len(parts) == 3 {
		phrase = parts[2]
	}
	return StatusLine{Version: parts[0], Code: code, Phrase: phrase}, nil
}

// headers is a case-sensitive multimap of header name to values; each
// name's values keep the order they appeared on the wire.
type headers map[string][]string

// parseResponseHead parses the status line and header block of a response
// head (the bytes up to, but not including, the blank-line terminator).
func parseResponseHead(head []byte) (StatusLine, headers, error) {
	lines := bytes.Split(head, []byte("\r\n"))
	if len(lines) == 0 {
		return StatusLine{}, nil, errors.NewFramingError("parse-response-head", "empty response head", nil)
	}

	status, err := parseStatusLine(lines[0])
	if err != nil {
		return StatusLine{}, nil, err
	}

	h := make(headers)
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(": "))
		if !ok {
			continue
		}
		k, v := string(name), string(value)
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			continue
		}
		h[k] = append(h[k], v)
	}

	return status, h, nil
}

func headerContentLength(h headers) int {
	vals, ok := h["Content-Length"]
	if !ok || len(vals) == 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(vals[0]))
	if err != nil || n < 0 || n > constants.MaxContentLength {
		return 0
	}
	return n
}

func headerMaxAge(h headers) int {
	vals, ok := h["Cache-Control"]
	if !ok || len(vals) == 0 {
		return constants.DefaultMaxAge
	}
	for _, v := range vals {
		idx := strings.Index(v, "max-age=")
		if idx < 0 {
			continue
		}
		rest := v[idx+len("max-age="):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:end])
		if err == nil {
			return n
		}
	}
	return constants.DefaultMaxAge
}

func isChunkedEncoding(h headers) bool {
	vals, ok := h["Transfer-Encoding"]
	if !ok {
		return false
	}
	for _, v := range vals {
		if strings.TrimSpace(v) == "chunked" {
			return true
		}
	}
	return false
}

// SplitHost splits a Host header value ("hostname[:port]") into hostname and
// port, applying the method-dependent default port when none is present:
// 80 for GET, 443 for CONNECT and for GET made over an intercepted TLS
// tunnel.
func SplitHost(hostHeader, method string, overTLS bool) (hostname string, port int) {
	hostname = hostHeader
	port = defaultPort(method, overTLS)

	if idx := strings.IndexByte(hostHeader, ':'); idx >= 0 {
		hostname = hostHeader[:idx]
		if p, err := strconv.Atoi(hostHeader[idx+1:]); err == nil {
			port = p
		}
	}

	return hostname, port
}

func defaultPort(method string, overTLS bool) int {
	switch {
	case method == "CONNECT":
		return 443
	case overTLS:
		return 443
	default:
		return 80
	}
}

// CacheKey composes the cache key: hostname concatenated with the request's
// URL field, compared later by exact byte equality.
func CacheKey(hostname, url string) string {
	return hostname + url
}
