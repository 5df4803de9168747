package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/kadmesh/overlay/internal/kadid"
)

// Network is an in-process switchboard connecting Memory transports,
// used by engine tests to run a multi-node lookup without touching a
// real socket. Grounded on the teacher's test-mode wiring in
// dht_test.go/packet_test.go, generalized into a standalone fake.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Memory
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Memory)}
}

// Memory is a Transport backed by a Network instead of a real socket.
type Memory struct {
	net  *Network
	addr *net.UDPAddr

	out  chan Datagram
	quit chan struct{}
	once sync.Once
}

// Listen registers a new endpoint at the given port on the network.
func (n *Network) Listen(port int) *Memory {
	m := &Memory{
		net:  n,
		addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port},
		out:  make(chan Datagram, 256),
		quit: make(chan struct{}),
	}

	n.mu.Lock()
	n.peers[key(m.addr)] = m
	n.mu.Unlock()

	return m
}

func key(addr *net.UDPAddr) string {
	return fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)
}

// Send implements Transport by delivering directly into the
// destination's inbound channel, dropping the datagram if the
// destination isn't registered (mirrors an unreachable real address).
func (m *Memory) Send(data []byte, to kadid.Contact) error {
	dst := to.UDPAddr()

	m.net.mu.Lock()
	peer, ok := m.net.peers[key(dst)]
	m.net.mu.Unlock()
	if !ok {
		return nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case peer.out <- Datagram{Data: cp, From: m.addr}:
	case <-peer.quit:
	}
	return nil
}

// Recv implements Transport.
func (m *Memory) Recv() <-chan Datagram {
	return m.out
}

// LocalPort implements Transport.
func (m *Memory) LocalPort() int {
	return m.addr.Port
}

// Close implements Transport.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.quit)
		m.net.mu.Lock()
		delete(m.net.peers, key(m.addr))
		m.net.mu.Unlock()
	})
	return nil
}
