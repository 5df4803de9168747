// Package peerscache implements the "peers cache" external collaborator:
// a directory of recently-seen peers with liveness timestamps and
// timeout bookkeeping, consulted by the lookup engine when it needs an
// address for a contact it only knows by id.
//
// Grounded on the teacher's cache.go (sync.Map + a background sweep
// goroutine), repurposed here from "pending request" tracking to
// peer liveness tracking — the teacher's own node.seen/failCount
// fields (node.go) are the liveness model this package generalizes.
package peerscache

import (
	"sync"
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
)

type peerState struct {
	contact   kadid.Contact
	lastSeen  time.Time
	timeouts  int
}

// Cache is a concurrency-safe directory of known peer addresses.
type Cache struct {
	mu      sync.RWMutex
	peers   map[kadid.NodeId]*peerState
	timeout time.Duration
	quit    chan struct{}
	once    sync.Once
}

// New creates a peers cache that considers an entry stale after
// timeout with no activity.
func New(timeout time.Duration) *Cache {
	c := &Cache{
		peers:   make(map[kadid.NodeId]*peerState),
		timeout: timeout,
		quit:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Add records a peer as seen, overwriting any stale address on file.
func (c *Cache) Add(contact kadid.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[contact.ID]; ok {
		p.contact = contact
		p.lastSeen = time.Now()
		p.timeouts = 0
		return
	}

	c.peers[contact.ID] = &peerState{contact: contact, lastSeen: time.Now()}
}

// Touch refreshes the liveness timestamp for an already-known peer.
func (c *Cache) Touch(id kadid.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[id]; ok {
		p.lastSeen = time.Now()
		p.timeouts = 0
	}
}

// AddTimeout records a failed probe against id, used by the lookup
// engine's timeout-handling path (spec.md §4.3) to flag unresponsive
// contacts before they are pruned from the routing table.
func (c *Cache) AddTimeout(id kadid.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[id]; ok {
		p.timeouts++
	}
}

// Contact returns the last known address for id, if any.
func (c *Cache) Contact(id kadid.NodeId) (kadid.Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.peers[id]
	if !ok {
		return kadid.Contact{}, false
	}
	return p.contact, true
}

// Remove drops a peer from the cache entirely. The lookup engine's
// timeout path does not call it; it only records the timeout through
// AddTimeout, and the background sweep drops such peers once idle.
func (c *Cache) Remove(id kadid.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

// First returns an arbitrary known contact, used by the join loop to
// pick a bootstrap seed from the cache (spec.md §4.6).
func (c *Cache) First() (kadid.Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.peers {
		return p.contact, true
	}
	return kadid.Contact{}, false
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.quit) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, p := range c.peers {
				if now.Sub(p.lastSeen) > c.timeout && p.timeouts > 0 {
					delete(c.peers, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
