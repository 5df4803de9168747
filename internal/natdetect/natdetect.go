// Package natdetect implements the NAT detector external collaborator:
// classification of the local node's own reachability, consulted by
// the engine to decide whether direct DHT operations are permitted or
// whether the node must operate through a proxy (spec.md §7).
//
// Grounded on dht.cpp's natdetector (original_source/src/dht.cpp):
// the state machine there samples the address peers observe the local
// node replying from across several ping exchanges and classifies the
// mapping behavior it sees. This package keeps that state vocabulary
// and the "observe external mappings, then classify" shape, expressed
// the way the teacher expresses small stateful collaborators (node.go
// style: a tiny struct with a mutex-guarded current value).
package natdetect

import (
	"net"
	"sync"
)

// State is the local node's classified reachability.
type State int

const (
	// Undefined means not enough samples have been collected yet.
	Undefined State = iota
	// Global means the node is directly reachable on a public address.
	Global
	// Cone means the node is behind a NAT that maps a given local
	// port to the same external endpoint regardless of destination.
	Cone
	// NAT is a restricted-cone mapping: reachable only from peers it
	// has already contacted.
	NAT
	// Symmetric means the external mapping varies per destination,
	// making direct Kademlia traffic undeliverable.
	Symmetric
)

func (s State) String() string {
	switch s {
	case Global:
		return "global"
	case Cone:
		return "cone"
	case NAT:
		return "nat"
	case Symmetric:
		return "symmetric"
	default:
		return "undefined"
	}
}

// DirectAllowed reports whether the state permits issuing DHT
// operations directly rather than through a proxy (spec.md §7's
// "wrong NAT state" guard).
func (s State) DirectAllowed() bool {
	return s == Global || s == Cone
}

// observation is one peer's report of the external address it saw the
// local node reply from.
type observation struct {
	from     string
	external string
}

// Detector accumulates observations from ping/pong exchanges carrying
// a reported external endpoint and classifies the node's reachability.
type Detector struct {
	mu    sync.Mutex
	local *net.UDPAddr
	seen  []observation
	state State
}

// New creates a Detector for a node bound to local, starting Undefined
// until enough samples accumulate.
func New(local *net.UDPAddr) *Detector {
	return &Detector{local: local, state: Undefined}
}

// NewWithState creates a Detector pre-seeded with an externally known
// state (e.g. from a one-shot STUN probe run before the engine starts,
// or an operator-supplied setting for a node known to sit on a public
// address). Further Observe calls can still reclassify it.
func NewWithState(local *net.UDPAddr, state State) *Detector {
	return &Detector{local: local, state: state}
}

// Observe records that a peer at from observed the local node's
// traffic arriving from external. The engine does not call it: its
// ping_reply carries only the echoed nonce, not a reflected address.
func (d *Detector) Observe(from *net.UDPAddr, external *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen = append(d.seen, observation{from: from.String(), external: external.String()})
	d.classify()
}

// classify re-derives state from the accumulated samples. With fewer
// than two samples the mapping can't yet be told apart from a cone, so
// the state stays Undefined; from the second sample on, the samples
// either agree (Cone/Global) or diverge (Symmetric).
func (d *Detector) classify() {
	if len(d.seen) < 2 {
		d.state = Undefined
		return
	}

	external := d.seen[0].external
	consistent := true
	for _, o := range d.seen[1:] {
		if o.external != external {
			consistent = false
			break
		}
	}

	if !consistent {
		d.state = Symmetric
		return
	}

	if external == d.local.String() {
		d.state = Global
		return
	}

	d.state = Cone
}

// State returns the current classification.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset clears accumulated samples, used when the local socket rebinds
// to a new port.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = nil
	d.state = Undefined
}
