// Package transport defines the datagram transport the engine sends
// and receives wire messages over, plus two implementations: a real
// UDP socket (grounded on the teacher's listener.go) and an in-memory
// fake used by deterministic tests.
package transport

import (
	"net"

	"github.com/kadmesh/overlay/internal/kadid"
)

// Datagram is one received UDP payload plus the address it arrived
// from.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Transport is the engine's sole network dependency. Everything above
// this interface works in terms of encoded wire messages; everything
// below it is socket plumbing.
type Transport interface {
	// Send writes data to the given contact's address. Send never
	// blocks on a reply — the wire protocol here is fire-and-forget
	// datagrams, matching spec.md §5.
	Send(data []byte, to kadid.Contact) error

	// Recv returns the channel the transport delivers inbound
	// datagrams on. UDP closes the channel once its receive loop
	// stops after Close; Memory never closes it.
	Recv() <-chan Datagram

	// LocalPort reports the UDP port actually bound, useful when the
	// engine was configured to bind an ephemeral port.
	LocalPort() int

	Close() error
}
