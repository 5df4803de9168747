// Copyright the kadmesh authors.
//
// This file is part of kadmesh.
//
// kadmesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// kadmesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

package kad

import (
	"sort"

	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/kadmesh/overlay/internal/timerq"
)

// query tracks one in-progress iterative lookup, grounded on the
// teacher's journey.go but generalized from a fixed K-slot array with
// maphash bookkeeping to a plain sorted slice plus a set — the engine
// serializes all access to a query from its single dispatch goroutine,
// so no internal locking is required (unlike journey's mu).
type query struct {
	nonce       uint32
	dst         kadid.NodeId
	key         []byte
	isFindValue bool

	nodeCallback  func([]kadid.Contact)
	valueCallback func(bool, []byte)

	candidates []kadid.Contact
	sent       map[kadid.NodeId]struct{}
	timers     map[kadid.NodeId]timerq.Handle
	inFlight   int

	// bootstrap is set for the join loop's sentinel-destination probe
	// (spec.md §4.6): the single outstanding timer is keyed by the
	// zero id rather than a real responder id.
	bootstrap bool
}

func newQuery(nonce uint32, localID, dst kadid.NodeId) *query {
	return &query{
		nonce:  nonce,
		dst:    dst,
		sent:   map[kadid.NodeId]struct{}{localID: {}},
		timers: make(map[kadid.NodeId]timerq.Handle),
	}
}

// seedCandidates installs the initial candidate list, sorted and
// truncated to K, per spec.md §4.3's lookup-engine entry step.
func (q *query) seedCandidates(contacts []kadid.Contact) {
	q.candidates = sortByDistance(contacts, q.dst)
	if len(q.candidates) > K {
		q.candidates = q.candidates[:K]
	}
}

// nextUnsent returns the closest candidate not yet in sent, or false
// if every known candidate has already been probed.
func (q *query) nextUnsent() (kadid.Contact, bool) {
	for _, c := range q.candidates {
		if _, done := q.sent[c.ID]; !done {
			return c, true
		}
	}
	return kadid.Contact{}, false
}

// markSent records a probe as dispatched.
func (q *query) markSent(id kadid.NodeId, h timerq.Handle) {
	q.sent[id] = struct{}{}
	q.timers[id] = h
	q.inFlight++
}

// cancelTimer removes and returns the timer handle for id, reporting
// whether one was outstanding.
func (q *query) cancelTimer(id kadid.NodeId) (timerq.Handle, bool) {
	h, ok := q.timers[id]
	if ok {
		delete(q.timers, id)
	}
	return h, ok
}

// mergeCandidates folds freshly learned contacts into the sorted
// candidate list, truncated back to K. Equal-distance ties keep the
// existing entry first (stable merge, per spec.md §4.3).
func (q *query) mergeCandidates(fresh []kadid.Contact) {
	combined := append(append([]kadid.Contact{}, q.candidates...), fresh...)
	q.candidates = sortByDistance(combined, q.dst)

	seen := make(map[kadid.NodeId]struct{}, len(q.candidates))
	deduped := q.candidates[:0]
	for _, c := range q.candidates {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		deduped = append(deduped, c)
	}
	q.candidates = deduped

	if len(q.candidates) > K {
		q.candidates = q.candidates[:K]
	}
}

func sortByDistance(contacts []kadid.Contact, target kadid.NodeId) []kadid.Contact {
	out := append([]kadid.Contact{}, contacts...)
	sort.SliceStable(out, func(i, j int) bool {
		di := kadid.XOR(out[i].ID, target)
		dj := kadid.XOR(out[j].ID, target)
		return di.Less(dj)
	})
	return out
}

// registry is the engine's live-query table: nonce -> query.
type registry struct {
	queries map[uint32]*query
	rng     randSource
}

func newRegistry(rng randSource) *registry {
	return &registry{queries: make(map[uint32]*query), rng: rng}
}

// allocate returns a nonce not currently in use by a live query.
func (r *registry) allocate() uint32 {
	for {
		n := r.rng.Uint32()
		if _, exists := r.queries[n]; !exists {
			return n
		}
	}
}

func (r *registry) insert(q *query) {
	r.queries[q.nonce] = q
}

func (r *registry) get(nonce uint32) (*query, bool) {
	q, ok := r.queries[nonce]
	return q, ok
}

func (r *registry) remove(nonce uint32) {
	delete(r.queries, nonce)
}
