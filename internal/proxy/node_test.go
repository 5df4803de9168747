package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/kadmesh/overlay/internal/kad"
	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/kadmesh/overlay/internal/natdetect"
	"github.com/kadmesh/overlay/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, net *transport.Network, port int) *kad.Engine {
	t.Helper()
	tp := net.Listen(port)
	e := kad.NewWithTransport(tp, kad.WithNATState(natdetect.Global))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// scenario 5: a registered client's proxy_get succeeds, routed through
// the server's own DHT lookup to a third node holding the record.
func TestProxyGetSuccess(t *testing.T) {
	net := transport.NewNetwork()
	custodian := newTestEngine(t, net, 9000)
	server := newTestEngine(t, net, 9001)
	client := newTestEngine(t, net, 9002)

	serverProxy := New(server)
	clientProxy := New(client)

	serverContact := kadid.Contact{ID: server.LocalID(), IP: loopback(), Port: 9001}
	client.Dtun().RegisterNode(server.LocalID(), serverContact)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	custodianContact := kadid.Contact{ID: custodian.LocalID(), IP: loopback(), Port: 9000}
	require.NoError(t, server.Join(ctx, custodianContact))
	time.Sleep(50 * time.Millisecond)

	target := kadid.RandomID()
	require.NoError(t, server.Store(ctx, target, []byte("k"), []byte("v"), time.Minute))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, clientProxy.Register(ctx))
	assert.True(t, clientProxy.Registered())

	value, ok, err := clientProxy.Get(ctx, target, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	_ = serverProxy
}

// a proxy_get against an empty routing table fails fast with no
// candidate to even ask (a reply with flag=0, not a local timeout).
func TestProxyGetMiss(t *testing.T) {
	net := transport.NewNetwork()
	server := newTestEngine(t, net, 9003)
	client := newTestEngine(t, net, 9004)

	New(server)
	clientProxy := New(client)

	serverContact := kadid.Contact{ID: server.LocalID(), IP: loopback(), Port: 9003}
	client.Dtun().RegisterNode(server.LocalID(), serverContact)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clientProxy.Register(ctx))

	value, ok, err := clientProxy.Get(ctx, kadid.RandomID(), []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, value)
}

func TestRegisterWithNoServerAvailable(t *testing.T) {
	net := transport.NewNetwork()
	client := newTestEngine(t, net, 9005)
	clientProxy := New(client)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := clientProxy.Register(ctx)
	assert.ErrorIs(t, err, ErrNoServerAvailable)
}

func loopback() []byte {
	return []byte{127, 0, 0, 1}
}
