// Package proxy implements the NAT-traversal proxy layer: server-side
// registration and forwarding for NAT-bound clients (spec.md §4.7),
// and the client side that selects a server via dtun and issues
// proxy_store/proxy_get on its own behalf (spec.md §4.8).
//
// The teacher repo has no NAT-proxy layer to adapt directly, so this
// package is grounded on original_source/src/proxy.cpp's session and
// continuation shape, expressed with the teacher's small-collaborator
// style: a struct wired onto the engine's already-exposed transport,
// scheduler, and dtun resolver rather than owning a socket of its own.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/kadmesh/overlay/internal/kad"
	"github.com/kadmesh/overlay/internal/kad/protocol"
	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/kadmesh/overlay/internal/timerq"
)

var log = logging.Logger("proxy")

var (
	// ErrNoServerAvailable is returned when dtun has no candidate
	// contact to register with.
	ErrNoServerAvailable = errors.New("proxy: no server available via dtun")
	// ErrRegisterTimeout is returned when the 2-second registration
	// window elapses without a reply.
	ErrRegisterTimeout = errors.New("proxy: registration timed out")
	// ErrNotRegistered is returned by Get before Register has succeeded.
	ErrNotRegistered = errors.New("proxy: not registered with a server")
)

// Registration is a server's record of one NAT-bound client (spec.md
// §4.7).
type Registration struct {
	Session   uint32
	Contact   kadid.Contact
	FirstSeen time.Time
	LastSeen  time.Time
}

type pendingGet struct {
	cb     func(ok bool, value []byte)
	handle timerq.Handle
}

// Node wires both proxy roles onto a single Engine: it serves
// registrations and forwarded requests from other clients (server
// role), and independently selects and registers with a server of its
// own (client role) so this node's own requests can cross a NAT.
type Node struct {
	engine *kad.Engine

	mu      sync.Mutex
	clients map[kadid.NodeId]*Registration

	registered    bool
	server        kadid.Contact
	registerNonce uint32
	registerDone  chan error
	registerTimer timerq.Handle

	gets map[uint32]*pendingGet
}

// New constructs a Node and installs it as e's proxy message handler.
func New(e *kad.Engine) *Node {
	n := &Node{
		engine:  e,
		clients: make(map[kadid.NodeId]*Registration),
		gets:    make(map[uint32]*pendingGet),
	}
	e.SetProxyHandler(n.handle)
	return n
}

func (n *Node) handle(h protocol.Header, body []byte, from *net.UDPAddr) {
	switch h.Type {
	case protocol.TypeProxyRegister:
		n.handleRegister(h, body, from)
	case protocol.TypeProxyStore:
		n.handleProxyStore(h, body, from)
	case protocol.TypeProxyGet:
		n.handleProxyGet(h, body, from)
	case protocol.TypeProxyRegisterReply:
		n.handleRegisterReply(h, body)
	case protocol.TypeProxyGetReply:
		n.handleGetReply(h, body)
	}
}

// -- server role (spec.md §4.7) --------------------------------------

func (n *Node) handleRegister(h protocol.Header, body []byte, from *net.UDPAddr) {
	reg, err := protocol.DecodeProxyRegister(body)
	if err != nil {
		return
	}

	clientID := kadid.NodeId(h.Src)
	contact := kadid.Contact{ID: clientID, IP: from.IP, Port: uint16(from.Port)}
	now := time.Now()

	n.mu.Lock()
	existing, known := n.clients[clientID]
	switch {
	case !known:
		n.clients[clientID] = &Registration{Session: reg.Session, Contact: contact, FirstSeen: now, LastSeen: now}
	case existing.Session == reg.Session:
		existing.Contact = contact
		existing.LastSeen = now
	default:
		// stale or impersonation: the client must re-register with the
		// correct session (spec.md §4.7).
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if !known {
		n.engine.Dtun().RegisterNode(clientID, n.selfContact())
	}

	msg := protocol.EncodeProxyRegisterReply([20]byte(h.Src), [20]byte(n.engine.LocalID()), reg.Nonce)
	if err := n.engine.Transport().Send(msg, contact); err != nil {
		log.Debugf("proxy register reply to %s failed: %v", clientID, err)
	}
}

func (n *Node) handleProxyStore(h protocol.Header, body []byte, from *net.UDPAddr) {
	s, err := protocol.DecodeProxyStore(body)
	if err != nil {
		return
	}
	if !n.isRegisteredFrom(kadid.NodeId(h.Src), from) {
		return
	}

	n.engine.PostStore(kadid.NodeId(s.ID), s.Key, s.Value, time.Duration(s.TTL)*time.Second, nil)
}

func (n *Node) handleProxyGet(h protocol.Header, body []byte, from *net.UDPAddr) {
	g, err := protocol.DecodeProxyGet(body)
	if err != nil {
		return
	}
	clientID := kadid.NodeId(h.Src)
	if !n.isRegisteredFrom(clientID, from) {
		return
	}
	requester := kadid.Contact{ID: clientID, IP: from.IP, Port: uint16(from.Port)}

	n.engine.PostFindValue(kadid.NodeId(g.ID), g.Key, func(ok bool, value []byte) {
		var flag uint8
		if ok {
			flag = 1
		}
		msg := protocol.EncodeProxyGetReply([20]byte(clientID), [20]byte(n.engine.LocalID()), g.Nonce, g.ID, flag, value)
		if err := n.engine.Transport().Send(msg, requester); err != nil {
			log.Debugf("proxy get reply to %s failed: %v", clientID, err)
		}
	})
}

func (n *Node) isRegisteredFrom(id kadid.NodeId, from *net.UDPAddr) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, ok := n.clients[id]
	if !ok {
		return false
	}
	return reg.Contact.IP.Equal(from.IP) && int(reg.Contact.Port) == from.Port
}

func (n *Node) selfContact() kadid.Contact {
	return kadid.Contact{ID: n.engine.LocalID(), Port: uint16(n.engine.Transport().LocalPort())}
}

// -- client role (spec.md §4.8) ---------------------------------------

// Register selects a proxy server via dtun.find_node and registers
// with it, blocking until the reply arrives or the 2-second
// registration timeout elapses.
func (n *Node) Register(ctx context.Context) error {
	found := make(chan []kadid.Contact, 1)
	n.engine.Dtun().FindNode(n.engine.LocalID(), func(contacts []kadid.Contact) { found <- contacts })

	var contacts []kadid.Contact
	select {
	case contacts = <-found:
	case <-ctx.Done():
		return ctx.Err()
	}

	var server kadid.Contact
	picked := false
	for _, c := range contacts {
		if c.ID != n.engine.LocalID() {
			server = c
			picked = true
			break
		}
	}
	if !picked {
		return ErrNoServerAvailable
	}

	session := randUint32()
	nonce := randUint32()
	done := make(chan error, 1)

	n.mu.Lock()
	n.server = server
	n.registerNonce = nonce
	n.registerDone = done
	n.mu.Unlock()

	handle := n.engine.Scheduler().After(kad.ProxyRegisterTimeout, func() {
		n.mu.Lock()
		fire := n.registerDone == done
		if fire {
			n.registerDone = nil
		}
		n.mu.Unlock()
		if fire {
			done <- ErrRegisterTimeout
		}
	})

	n.mu.Lock()
	n.registerTimer = handle
	n.mu.Unlock()

	msg := protocol.EncodeProxyRegister([20]byte(server.ID), [20]byte(n.engine.LocalID()), session, nonce)
	if err := n.engine.Transport().Send(msg, server); err != nil {
		n.engine.Scheduler().Cancel(handle)
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		n.engine.Scheduler().Cancel(handle)
		return ctx.Err()
	}
}

func (n *Node) handleRegisterReply(h protocol.Header, body []byte) {
	nonce, err := protocol.DecodeProxyRegisterReply(body)
	if err != nil {
		return
	}

	n.mu.Lock()
	if n.registerDone == nil || nonce != n.registerNonce {
		n.mu.Unlock()
		return
	}
	done := n.registerDone
	handle := n.registerTimer
	n.registerDone = nil
	n.registered = true
	n.mu.Unlock()

	n.engine.Scheduler().Cancel(handle)
	done <- nil
}

// Store issues a proxy_store to the registered server, fire-and-forget
// per the wire protocol (there is no proxy_store acknowledgement).
func (n *Node) Store(id kadid.NodeId, key, value []byte, ttl time.Duration) error {
	n.mu.Lock()
	if !n.registered {
		n.mu.Unlock()
		return ErrNotRegistered
	}
	server := n.server
	n.mu.Unlock()

	msg := protocol.EncodeProxyStore([20]byte(server.ID), [20]byte(n.engine.LocalID()), protocol.Store{
		ID:    [20]byte(id),
		Key:   key,
		Value: value,
		TTL:   uint16(ttl / time.Second),
	})
	return n.engine.Transport().Send(msg, server)
}

// Get issues a proxy_get to the registered server and waits for its
// reply or the 10-second local timeout (spec.md §4.8).
func (n *Node) Get(ctx context.Context, id kadid.NodeId, key []byte) ([]byte, bool, error) {
	n.mu.Lock()
	if !n.registered {
		n.mu.Unlock()
		return nil, false, ErrNotRegistered
	}
	server := n.server
	n.mu.Unlock()

	nonce := randUint32()
	out := make(chan struct {
		value []byte
		ok    bool
	}, 1)

	pg := &pendingGet{}
	n.mu.Lock()
	n.gets[nonce] = pg
	n.mu.Unlock()

	handle := n.engine.Scheduler().After(kad.ProxyGetTimeout, func() {
		n.mu.Lock()
		_, still := n.gets[nonce]
		delete(n.gets, nonce)
		n.mu.Unlock()
		if still {
			out <- struct {
				value []byte
				ok    bool
			}{nil, false}
		}
	})

	pg.handle = handle
	pg.cb = func(ok bool, value []byte) {
		out <- struct {
			value []byte
			ok    bool
		}{value, ok}
	}

	msg := protocol.EncodeProxyGet([20]byte(server.ID), [20]byte(n.engine.LocalID()), nonce, [20]byte(id), key)
	if err := n.engine.Transport().Send(msg, server); err != nil {
		n.mu.Lock()
		delete(n.gets, nonce)
		n.mu.Unlock()
		n.engine.Scheduler().Cancel(handle)
		return nil, false, err
	}

	select {
	case r := <-out:
		return r.value, r.ok, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.gets, nonce)
		n.mu.Unlock()
		n.engine.Scheduler().Cancel(handle)
		return nil, false, ctx.Err()
	}
}

func (n *Node) handleGetReply(h protocol.Header, body []byte) {
	r, err := protocol.DecodeProxyGetReply(body)
	if err != nil {
		return
	}

	n.mu.Lock()
	pg, ok := n.gets[r.Nonce]
	if ok {
		delete(n.gets, r.Nonce)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	n.engine.Scheduler().Cancel(pg.handle)
	pg.cb(r.Flag == 1, r.Data)
}

// Registered reports whether the client role has an active server
// registration.
func (n *Node) Registered() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registered
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
