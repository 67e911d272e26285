package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/go-httpproxy/pkg/timing"
)

// staticResolverThatFails always fails lookups, so Connect never reaches a real
// socket: these tests only exercise the DNS-error wrapping path.
func staticResolverThatFails() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, assert.AnError
		},
	}
}

func TestDialer_Connect_DNSFailureReturnsWrappedError(t *testing.T) {
	d := NewWithResolver(staticResolverThatFails())
	timer := timing.NewTimer()

	conn, err := d.Connect(context.Background(), Config{Host: "nonexistent.invalid", Port: 80, DNSTimeout: time.Second}, timer)
	require.Error(t, err)
	assert.Nil(t, conn)
}

func TestTLSVersionString(t *testing.T) {
	assert.Equal(t, "TLS 1.0", TLSVersionString(0x0301))
	assert.Equal(t, "TLS 1.1", TLSVersionString(0x0302))
	assert.Equal(t, "TLS 1.2", TLSVersionString(0x0303))
	assert.Equal(t, "TLS 1.3", TLSVersionString(0x0304))
	assert.Contains(t, TLSVersionString(0x9999), "unknown")
}
