package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/go-httpproxy/pkg/cache"
	"github.com/WhileEndless/go-httpproxy/pkg/connmgr"
	"github.com/WhileEndless/go-httpproxy/pkg/registry"
	"github.com/WhileEndless/go-httpproxy/pkg/transport"
)

func newTestProxy(t *testing.T) (*Proxy, *registry.Registry, *cache.Cache) {
	t.Helper()
	reg := registry.New()
	c := cache.New()
	require.NoError(t, c.Init(16, 1<<20))
	cm := connmgr.New(reg, transport.New(), nil, nil)
	return New(reg, c, cm, nil), reg, c
}

func TestHandleReady_ClientReadError_Disconnects(t *testing.T) {
	p, reg, _ := newTestProxy(t)
	ext, server := net.Pipe()
	defer ext.Close()

	reg.AddClient(3, server)
	ext.Close() // peer closes -> server-side Read returns an error

	p.HandleReady(context.Background(), 3)

	_, ok := reg.Get(3)
	assert.False(t, ok)
}

func TestHandleReady_Tunnel_RelaysVerbatim(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	clientExt, clientServer := net.Pipe()
	originExt, originServer := net.Pipe()
	defer clientExt.Close()
	defer originExt.Close()

	reg.AddTunnel(3, clientServer, 4, originServer)

	payload := []byte("opaque bytes, never framed")
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := originExt.Read(buf)
		got <- append([]byte(nil), buf[:n]...)
	}()
	go func() {
		clientExt.Write(payload)
	}()

	p.HandleReady(context.Background(), 3)

	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed tunnel bytes")
	}
}

func TestHandleReady_GetCacheHit_ServesFromCacheWithAge(t *testing.T) {
	p, reg, c := newTestProxy(t)

	cached := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	require.NoError(t, c.Put("example.com/", []byte(cached), 60))

	ext, server := net.Pipe()
	defer ext.Close()
	reg.AddClient(3, server)

	request := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := ext.Read(buf)
		got <- append([]byte(nil), buf[:n]...)
	}()
	go func() {
		ext.Write([]byte(request))
	}()

	p.HandleReady(context.Background(), 3)

	select {
	case resp := <-got:
		assert.Contains(t, string(resp), "Age: 0\r\n")
		assert.Contains(t, string(resp), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cached response")
	}
}

func TestHandleReady_ClientMalformedRequest_Disconnects(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	ext, server := net.Pipe()
	defer ext.Close()
	reg.AddClient(3, server)

	go func() {
		ext.Write([]byte("BADLINE\r\n\r\n"))
	}()

	p.HandleReady(context.Background(), 3)

	// disconnect happens asynchronously relative to the write goroutine
	// completing, but HandleReady itself runs the disconnect synchronously
	// before returning.
	_, ok := reg.Get(3)
	assert.False(t, ok)
}

func TestHandleReady_OversizedBuffer_Disconnects(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	ext, server := net.Pipe()
	defer ext.Close()
	reg.AddClient(3, server)

	// Pre-seed the buffer past the cap so the single read HandleReady
	// performs tips it over without needing to transfer 16MB over the pipe.
	reg.BufferAppend(3, make([]byte, 17<<20))

	go func() {
		ext.Write([]byte("x"))
	}()

	p.HandleReady(context.Background(), 3)

	_, ok := reg.Get(3)
	assert.False(t, ok)
}

func TestHandleReady_OriginResponse_CachesAndForwardsThenDisconnectsOrigin(t *testing.T) {
	p, reg, c := newTestProxy(t)

	clientExt, clientServer := net.Pipe()
	originExt, originServer := net.Pipe()
	defer clientExt.Close()
	defer originExt.Close()

	reg.AddClient(3, clientServer)
	reg.AddOrigin(4, originServer, 3, "example.com/")

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nCache-Control: max-age=30\r\n\r\nhi"

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := clientExt.Read(buf)
		got <- append([]byte(nil), buf[:n]...)
	}()
	go func() {
		originExt.Write([]byte(resp))
	}()

	p.HandleReady(context.Background(), 4)

	select {
	case data := <-got:
		assert.Equal(t, resp, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded response")
	}

	_, ok := reg.Get(4)
	assert.False(t, ok, "origin must be disconnected once its single response completes")

	_, _, ok = c.Get("example.com/")
	assert.True(t, ok, "response must be cached under its pending key")
}

func TestHandleReady_OriginResponse_PlainGETLeavesClientOpen(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	clientExt, clientServer := net.Pipe()
	originExt, originServer := net.Pipe()
	defer clientExt.Close()
	defer originExt.Close()

	reg.AddClient(3, clientServer)
	reg.AddOrigin(4, originServer, 3, "")

	go func() {
		originExt.Write([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
	}()

	// drain the forwarded bytes on the client side so the write above unblocks
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		clientExt.Read(buf)
		close(done)
	}()

	p.HandleReady(context.Background(), 4)
	<-done

	_, clientStillThere := reg.Get(3)
	assert.True(t, clientStillThere)
	_, originStillThere := reg.Get(4)
	assert.False(t, originStillThere)
}

func TestHandleReady_MITM_GETReusesEstablishedOrigin(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	clientExt, clientServer := net.Pipe()
	originExt, originServer := net.Pipe()
	defer clientExt.Close()
	defer originExt.Close()

	reg.AddTLSClient(3, clientServer)
	reg.AddTLSOrigin(4, originServer, 3, "")
	reg.SetPeer(3, 4)

	request := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := originExt.Read(buf)
		got <- append([]byte(nil), buf[:n]...)
	}()
	go func() {
		clientExt.Write([]byte(request))
	}()

	p.HandleReady(context.Background(), 3)

	select {
	case data := <-got:
		assert.Equal(t, request, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request forwarded over the existing tunnel")
	}

	// No second origin was dialed: fd 4 is still the same TLSOrigin entry,
	// and no new fd was registered for this host.
	entry, ok := reg.Get(4)
	require.True(t, ok)
	origin, ok := entry.(*registry.TLSOrigin)
	require.True(t, ok)
	assert.Equal(t, "example.com/", origin.PendingKey)
}

func TestHandleReady_MITM_OriginResponseLeavesOriginOpenForReuse(t *testing.T) {
	p, reg, c := newTestProxy(t)

	clientExt, clientServer := net.Pipe()
	originExt, originServer := net.Pipe()
	defer clientExt.Close()
	defer originExt.Close()

	reg.AddTLSClient(3, clientServer)
	reg.AddTLSOrigin(4, originServer, 3, "example.com/")

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nCache-Control: max-age=30\r\n\r\nhi"

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := clientExt.Read(buf)
		got <- append([]byte(nil), buf[:n]...)
	}()
	go func() {
		originExt.Write([]byte(resp))
	}()

	p.HandleReady(context.Background(), 4)

	select {
	case data := <-got:
		assert.Equal(t, resp, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded response")
	}

	entry, ok := reg.Get(4)
	require.True(t, ok, "MITM origin must stay open for reuse by later requests on the tunnel")
	origin := entry.(*registry.TLSOrigin)
	assert.Empty(t, origin.PendingKey, "pending key is cleared once its response has been handled")

	_, _, ok = c.Get("example.com/")
	assert.True(t, ok, "response must still be cached under its pending key")
}

func TestHandleReady_NonGETMethod_RelaysHeadAndBufferedBodyInOneWrite(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	clientExt, clientServer := net.Pipe()
	originExt, originServer := net.Pipe()
	defer clientExt.Close()
	defer originExt.Close()

	// Route through an already-established MITM tunnel so the forwarded
	// request lands on originExt instead of triggering a real dial.
	reg.AddTLSClient(3, clientServer)
	reg.AddTLSOrigin(4, originServer, 3, "")
	reg.SetPeer(3, 4)

	head := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 11\r\n\r\n"
	body := "hello world"

	// Simulate the body bytes having already arrived and been buffered
	// alongside the head in the same read, as a real POST would.
	reg.BufferAppend(3, []byte(head+body))

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := originExt.Read(buf)
		got <- append([]byte(nil), buf[:n]...)
	}()

	p.drainClientRequests(context.Background(), 3, mustGet(t, reg, 3))

	select {
	case data := <-got:
		assert.Equal(t, head+body, string(data), "head and buffered body must be relayed together")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded POST")
	}

	assert.Empty(t, reg.Buffer(3), "head and buffered body must both be consumed in one pass")
}

func mustGet(t *testing.T, reg *registry.Registry, fd int) registry.Entry {
	t.Helper()
	e, ok := reg.Get(fd)
	require.True(t, ok)
	return e
}

func TestDrain_ClosesAllSocketsAndClearsCache(t *testing.T) {
	p, reg, c := newTestProxy(t)

	require.NoError(t, c.Put("example.com/", []byte("cached"), 60))

	ext, server := net.Pipe()
	defer ext.Close()
	reg.AddClient(3, server)

	p.Drain()

	_, ok := reg.Get(3)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSweepIdle_DisconnectsExpiredEntriesByRole(t *testing.T) {
	p, reg, _ := newTestProxy(t)

	ext, server := net.Pipe()
	defer ext.Close()
	reg.AddClient(3, server)

	base := time.Now()
	reg.SetClock(func() time.Time { return base })
	reg.Touch(3)
	reg.SetClock(func() time.Time { return base.Add(time.Hour) })

	p.SweepIdle(time.Minute)

	_, ok := reg.Get(3)
	assert.False(t, ok)
}
