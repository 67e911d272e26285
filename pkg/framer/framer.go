// Package framer extracts complete HTTP/1.1 messages out of growing byte
// buffers. Every function here is a pure function of its input buffer: no
// hidden state is kept other than what the caller passes in and receives
// back, matching the C1 component this package implements.
package framer

import (
	"bytes"
	"fmt"

	"github.com/WhileEndless/go-httpproxy/pkg/constants"
	"github.com/WhileEndless/go-httpproxy/pkg/errors"
)

// headTerminator is the blank line that separates an HTTP head from its body.
var headTerminator = []byte("\r\n\r\n")

// ExtractFirstRequest searches buf for the first complete request head
// (terminated by CRLF CRLF) and returns it along with the number of bytes
// consumed from the front of buf. The proxy only frames GET/CONNECT request
// lines at this layer; any body that might follow a different method is left
// untouched for the caller to forward opaquely.
//
// ExtractFirstRequest never mutates buf and never reads past len(buf).
func ExtractFirstRequest(buf []byte) (request []byte, consumed int, complete bool) {
	idx := bytes.Index(buf, headTerminator)
	if idx < 0 {
		return nil, 0, false
	}
	end := idx + len(headTerminator)
	return buf[:end], end, true
}

// ExtractFirstResponse attempts to pull one complete HTTP response out of
// buf. chunked is both an input and an output: the caller passes in whether
// a prior call already observed Transfer-Encoding: chunked on this origin
// socket, and this call may set it to true upon seeing the header for the
// first time.
//
// On success, the full accumulated buffer is returned as the response (the
// origin is expected to close after a single response, so there is no
// remainder to split off) along with the response's effective max-age in
// seconds. When the head or body isn't fully buffered yet, complete is false
// and err is nil; a chunk sequence that fails the validity walk is reported
// the same way (incomplete, nil err). A malformed or oversized head returns
// a non-nil err, which callers must treat as fatal for the socket.
func ExtractFirstResponse(buf []byte, chunked *bool) (response []byte, consumed int, maxAge int, complete bool, err error) {
	headEnd := bytes.Index(buf, headTerminator)
	if headEnd < 0 {
		if len(buf) > constants.MaxHeadBytes {
			return nil, 0, 0, false, errors.NewFramingError("extract-response", "response head exceeds maximum size", nil)
		}
		return nil, 0, 0, false, nil
	}
	head := buf[:headEnd]

	_, headers, perr := parseResponseHead(head)
	if perr != nil {
		return nil, 0, 0, false, perr
	}

	maxAge = headerMaxAge(headers)
	contentLength := headerContentLength(headers)
	if isChunkedEncoding(headers) {
		*chunked = true
	}

	bodyStart := headEnd + len(headTerminator)

	if *chunked {
		if !bytes.HasSuffix(buf, []byte("0\r\n\r\n")) {
			return nil, 0, 0, false, nil
		}
		if !validateChunkWalk(buf[bodyStart:]) {
			return nil, 0, 0, false, nil
		}
		return buf, len(buf), maxAge, true, nil
	}

	bodyBytes := len(buf) - bodyStart
	if bodyBytes < contentLength {
		return nil, 0, 0, false, nil
	}

	return buf, len(buf), maxAge, true, nil
}

// InjectAgeHeader returns a copy of a complete cached response with an
// "Age: <age>" header line inserted immediately before the blank line that
// terminates the head, leaving every other header — including any
// pre-existing Age — untouched (see DESIGN.md Open Questions).
func InjectAgeHeader(response []byte, age int) []byte {
	idx := bytes.Index(response, headTerminator)
	if idx < 0 {
		return append([]byte(nil), response...)
	}

	ageLine := []byte(fmt.Sprintf("Age: %d\r\n", age))
	out := make([]byte, 0, len(response)+len(ageLine))
	out = append(out, response[:idx+2]...) // up to and including the head's trailing CRLF
	out = append(out, ageLine...)
	out = append(out, response[idx+2:]...) // the blank-line CRLF and the body
	return out
}
