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
	"bytes"
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
)

// StoredRecord is one replica held by the local node, grounded on the
// teacher's storage.go Value, extended per spec.md §3 with the
// confirmers set that drives republication termination.
type StoredRecord struct {
	ID         kadid.NodeId
	Key        []byte
	Value      []byte
	TTL        time.Duration
	StoredAt   time.Time
	Confirmers map[kadid.NodeId]struct{}
}

func (r *StoredRecord) expired(now time.Time) bool {
	return now.Sub(r.StoredAt) > r.TTL
}

type recordKey struct {
	id  kadid.NodeId
	key string
}

// recordStore is the keyed replica table (spec.md §4.4). Unlike the
// teacher's storage.go, which synchronizes with sync.Map because
// several listener goroutines call into it concurrently, this type is
// only ever touched from the engine's single dispatch goroutine and
// so carries no locking of its own (see SPEC_FULL.md §5).
type recordStore struct {
	records map[recordKey]*StoredRecord
}

func newRecordStore() *recordStore {
	return &recordStore{records: make(map[recordKey]*StoredRecord)}
}

// put applies an inbound store message per spec.md §4.4 steps 3-5.
func (s *recordStore) put(sender kadid.NodeId, id kadid.NodeId, key, value []byte, ttl time.Duration, now time.Time) {
	rk := recordKey{id: id, key: string(key)}

	if existing, ok := s.records[rk]; ok {
		if bytes.Equal(existing.Value, value) {
			existing.TTL = ttl
			existing.StoredAt = now
			existing.Confirmers[sender] = struct{}{}
		}
		// differing value for an existing key: ignored per spec.md §4.4
		// step 4 (first-stored wins for the current TTL window).
		return
	}

	s.records[rk] = &StoredRecord{
		ID:         id,
		Key:        append([]byte(nil), key...),
		Value:      append([]byte(nil), value...),
		TTL:        ttl,
		StoredAt:   now,
		Confirmers: map[kadid.NodeId]struct{}{sender: {}},
	}
}

// get returns the record stored for (id, key), if any.
func (s *recordStore) get(id kadid.NodeId, key []byte) (*StoredRecord, bool) {
	r, ok := s.records[recordKey{id: id, key: string(key)}]
	return r, ok
}

// delete removes a record, used once republication migrates it away
// from this node.
func (s *recordStore) delete(id kadid.NodeId, key []byte) {
	delete(s.records, recordKey{id: id, key: string(key)})
}

// expireSweep removes every record past its TTL.
func (s *recordStore) expireSweep(now time.Time) {
	for rk, r := range s.records {
		if r.expired(now) {
			delete(s.records, rk)
		}
	}
}

// all returns every record currently held, used by the republication
// sweep to walk the store.
func (s *recordStore) all() []*StoredRecord {
	out := make([]*StoredRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}
