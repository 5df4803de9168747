package transport

import (
	"testing"
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDeliversDatagram(t *testing.T) {
	net := NewNetwork()
	a := net.Listen(6001)
	b := net.Listen(6002)
	defer a.Close()
	defer b.Close()

	to := kadid.Contact{Port: 6002}
	to.IP = b.addr.IP

	require.NoError(t, a.Send([]byte("hello"), to))

	select {
	case dg := <-b.Recv():
		assert.Equal(t, []byte("hello"), dg.Data)
		assert.Equal(t, 6001, dg.From.Port)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestMemoryTransportDropsToUnknownPeer(t *testing.T) {
	net := NewNetwork()
	a := net.Listen(6003)
	defer a.Close()

	to := kadid.Contact{Port: 9999}
	to.IP = a.addr.IP

	assert.NoError(t, a.Send([]byte("x"), to))
}
