package framer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFirstRequest_Incomplete(t *testing.T) {
	buf := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n")
	req, consumed, ok := ExtractFirstRequest(buf)
	assert.False(t, ok)
	assert.Nil(t, req)
	assert.Zero(t, consumed)
}

func TestExtractFirstRequest_Complete(t *testing.T) {
	head := "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"
	buf := []byte(head + "next-request-leftover")
	req, consumed, ok := ExtractFirstRequest(buf)
	require.True(t, ok)
	assert.Equal(t, head, string(req))
	assert.Equal(t, len(head), consumed)

	rest := buf[consumed:]
	assert.Equal(t, "next-request-leftover", string(rest))
}

func TestParseRequestLine(t *testing.T) {
	rl, err := ParseRequestLine([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "CONNECT", rl.Method)
	assert.Equal(t, "example.com:443", rl.URL)
	assert.Equal(t, "HTTP/1.1", rl.Version)
}

func TestParseRequestLine_Malformed(t *testing.T) {
	_, err := ParseRequestLine([]byte("GET /only-one-field\r\n\r\n"))
	assert.Error(t, err)
}

func TestExtractFirstResponse_ContentLength(t *testing.T) {
	var chunked bool
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nCache-Control: max-age=60\r\n\r\nhello"
	out, consumed, maxAge, complete, err := ExtractFirstResponse([]byte(resp), &chunked)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, resp, string(out))
	assert.Equal(t, len(resp), consumed)
	assert.Equal(t, 60, maxAge)
}

func TestExtractFirstResponse_ContentLengthIncomplete(t *testing.T) {
	var chunked bool
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nhello"
	_, _, _, complete, err := ExtractFirstResponse([]byte(resp), &chunked)
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestExtractFirstResponse_DefaultMaxAge(t *testing.T) {
	var chunked bool
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	_, _, maxAge, complete, err := ExtractFirstResponse([]byte(resp), &chunked)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, 3600, maxAge)
}

func TestExtractFirstResponse_Chunked(t *testing.T) {
	var chunked bool
	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	out, consumed, _, complete, err := ExtractFirstResponse([]byte(resp), &chunked)
	require.NoError(t, err)
	require.True(t, complete)
	assert.True(t, chunked)
	assert.Equal(t, resp, string(out))
	assert.Equal(t, len(resp), consumed)
}

func TestExtractFirstResponse_ChunkedIncompleteMidChunk(t *testing.T) {
	var chunked bool
	// Declares a 5-byte chunk but only 3 bytes are present; no terminator yet.
	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel"
	_, _, _, complete, err := ExtractFirstResponse([]byte(resp), &chunked)
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestExtractFirstResponse_ChunkedCoincidentalTail(t *testing.T) {
	var chunked bool
	// Malformed chunk size ("zz" instead of hex) but the buffer happens to
	// end in the terminator's five bytes; the chunk walk must still reject it.
	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\nhello\r\n0\r\n\r\n"
	_, _, _, complete, err := ExtractFirstResponse([]byte(resp), &chunked)
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestParseRequestHead(t *testing.T) {
	head := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	rl, headers, err := ParseRequestHead([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, "GET", rl.Method)
	assert.Equal(t, "example.com", headers.Get("Host"))
	assert.Equal(t, "test", headers.Get("User-Agent"))
}

func TestParseRequestHead_DropsInvalidHeaderLine(t *testing.T) {
	head := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nBad Name: value\r\n\r\n"
	_, headers, err := ParseRequestHead([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, "example.com", headers.Get("Host"))
	assert.Empty(t, headers.Get("Bad Name"))
}

func TestSplitHost(t *testing.T) {
	host, port := SplitHost("example.com", "GET", false)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)

	host, port = SplitHost("example.com:8080", "GET", false)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 8080, port)

	host, port = SplitHost("example.com", "CONNECT", false)
	assert.Equal(t, 443, port)

	host, port = SplitHost("example.com", "GET", true)
	assert.Equal(t, 443, port)
}

func TestSplitHost_MultipleColons_SplitsAtFirstColon(t *testing.T) {
	// A Host header with more than one colon must split on the first one;
	// the remainder ("1:2") is not a valid port, so the method default applies.
	host, port := SplitHost("a:1:2", "GET", false)
	assert.Equal(t, "a", host)
	assert.Equal(t, 80, port)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "example.com/index.html", CacheKey("example.com", "/index.html"))
}

func TestInjectAgeHeader(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	out := InjectAgeHeader([]byte(resp), 42)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nAge: 42\r\n\r\nhello", string(out))
}
