// Package routingtable implements the bucketized, XOR-nearest contact
// storage the spec calls the "routing table base class": one bucket
// per bit of the 160-bit id space, each holding up to K live contacts
// plus a promotion cache of overflow candidates.
//
// Grounded on the teacher's bucket.go/routing_table.go: insert/remove/
// seen/closest all keep the teacher's shape, generalized from the
// teacher's 256-bit/K=20 constants to the spec's 160-bit/K=6.
package routingtable

import (
	"sort"
	"sync"
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
)

// K is the replication and bucket-width constant (spec.md §6).
const K = 6

const bucketCount = kadid.IDLength * 8

type entry struct {
	contact kadid.Contact
	seen    time.Time
}

type bucket struct {
	mu      sync.Mutex
	entries []entry
	cache   []entry
	expiry  time.Duration
}

func (b *bucket) insert(c kadid.Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].contact.ID == c.ID {
			b.entries[i].contact = c
			b.entries[i].seen = time.Now()
			return
		}
	}

	if len(b.entries) < K {
		b.entries = append(b.entries, entry{contact: c, seen: time.Now()})
		return
	}

	b.stash(entry{contact: c, seen: time.Now()})
}

func (b *bucket) stash(e entry) {
	for i := range b.cache {
		if b.cache[i].contact.ID == e.contact.ID {
			b.cache[i].seen = e.seen
			return
		}
	}
	b.cache = append(b.cache, e)
}

func (b *bucket) remove(id kadid.NodeId) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].contact.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			// promote the most recently seen cached candidate, if any
			if len(b.cache) > 0 {
				best := 0
				for j := 1; j < len(b.cache); j++ {
					if b.cache[j].seen.After(b.cache[best].seen) {
						best = j
					}
				}
				b.entries = append(b.entries, b.cache[best])
				b.cache = append(b.cache[:best], b.cache[best+1:]...)
			}
			return
		}
	}
}

func (b *bucket) touch(id kadid.NodeId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].contact.ID == id {
			b.entries[i].seen = time.Now()
			return true
		}
	}
	return false
}

func (b *bucket) snapshot() []kadid.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]kadid.Contact, len(b.entries))
	for i := range b.entries {
		out[i] = b.entries[i].contact
	}
	return out
}

// Table is the bucketized routing table for one local id.
type Table struct {
	local   kadid.NodeId
	buckets [bucketCount]bucket
}

// New creates an empty routing table for localID.
func New(localID kadid.NodeId) *Table {
	t := &Table{local: localID}
	for i := range t.buckets {
		t.buckets[i].expiry = 15 * time.Minute
	}
	return t
}

func (t *Table) indexFor(id kadid.NodeId) int {
	if id == t.local {
		return 0
	}
	return kadid.BucketIndex(kadid.XOR(t.local, id))
}

// Insert adds or refreshes a contact in its bucket.
func (t *Table) Insert(c kadid.Contact) {
	if c.ID == t.local {
		return
	}
	t.buckets[t.indexFor(c.ID)].insert(c)
}

// Remove deletes a contact from the table (called when a probe times
// out — the only place the DHT layer actively prunes the table).
func (t *Table) Remove(id kadid.NodeId) {
	if id == t.local {
		return
	}
	t.buckets[t.indexFor(id)].remove(id)
}

// Touch marks a contact as recently seen without changing its address.
func (t *Table) Touch(id kadid.NodeId) bool {
	if id == t.local {
		return true
	}
	return t.buckets[t.indexFor(id)].touch(id)
}

// Closest returns up to count contacts ordered ascending by XOR
// distance to target, scanning outward from target's own bucket.
func (t *Table) Closest(target kadid.NodeId, count int) []kadid.Contact {
	var all []kadid.Contact

	start := t.indexFor(target)

	for radius := 0; radius < bucketCount && len(all) < count*3; radius++ {
		if idx := start + radius; idx < bucketCount {
			all = append(all, t.buckets[idx].snapshot()...)
		}
		if radius > 0 {
			if idx := start - radius; idx >= 0 {
				all = append(all, t.buckets[idx].snapshot()...)
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		di := kadid.XOR(all[i].ID, target)
		dj := kadid.XOR(all[j].ID, target)
		return di.Less(dj)
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Empty reports whether the table holds no contacts at all.
func (t *Table) Empty() bool {
	for i := range t.buckets {
		if len(t.buckets[i].snapshot()) > 0 {
			return false
		}
	}
	return true
}
