// Package dtun implements the local half of the "distributed tunnel"
// fallback resolution service: a directory nodes register themselves
// into (via a proxy server) so the engine can still resolve an
// address for an id when the peers cache has none, and so a proxy
// client can discover a server to register with.
//
// Grounded on original_source/src/proxy.cpp's m_dtun.find_node/
// register_node calls and spec.md §4.3/§4.8's continuation-passing
// contract (`request(id, continuation)`); the real dtun network crawl
// described there is out of scope (spec.md's Non-goals exclude a
// second overlay), so this package resolves purely from entries other
// local collaborators have registered, expressed in the teacher's
// small-collaborator idiom (cache.go's request-registry shape, reused
// here for a directory instead of pending callbacks).
package dtun

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/google/uuid"

	"github.com/kadmesh/overlay/internal/kadid"
)

var log = logging.Logger("dtun")

type entry struct {
	contact kadid.Contact
	via     kadid.Contact
	tag     uuid.UUID
}

// Resolver is the engine's secondary resolution collaborator.
type Resolver struct {
	mu      sync.RWMutex
	entries map[kadid.NodeId]entry
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{entries: make(map[kadid.NodeId]entry)}
}

// RegisterNode records that id is reachable via the given contact
// (typically a proxy server recording one of its registered clients,
// per spec.md §4.7's "inform dtun that this client is reachable via
// us").
func (r *Resolver) RegisterNode(id kadid.NodeId, via kadid.Contact) {
	tag := uuid.New()

	r.mu.Lock()
	r.entries[id] = entry{contact: via, via: via, tag: tag}
	r.mu.Unlock()

	log.Debugf("dtun: registered %s via %s [%s]", id, via.UDPAddr(), tag)
}

// Unregister removes a previously registered id. The proxy server does
// not call it: its client registrations do not lapse.
func (r *Resolver) Unregister(id kadid.NodeId) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Request resolves a single id, invoking continuation with
// (true, contact) on a hit or (false, zero-value) on a miss. The
// continuation is invoked synchronously; callers that must not block
// their own caller should dispatch it onto their own event loop,
// matching spec.md §4.3's "continuation receives (success,
// resolved_contact)" contract.
func (r *Resolver) Request(id kadid.NodeId, continuation func(ok bool, c kadid.Contact)) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		continuation(false, kadid.Contact{})
		return
	}
	continuation(true, e.contact)
}

// FindNode resolves candidate contacts that might serve as a proxy
// server for id, used by the proxy client (spec.md §4.8) to pick a
// registration target. The local directory has no topology of its
// own, so this returns every other registered contact it knows of.
func (r *Resolver) FindNode(id kadid.NodeId, continuation func(nodes []kadid.Contact)) {
	r.mu.RLock()
	out := make([]kadid.Contact, 0, len(r.entries))
	for nodeID, e := range r.entries {
		if nodeID == id {
			continue
		}
		out = append(out, e.contact)
	}
	r.mu.RUnlock()

	continuation(out)
}
