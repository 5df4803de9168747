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
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
)

// restoreTick runs the republication sweep (spec.md §4.4 "restore()"),
// firing at most once per RestoreInterval and only while the local
// NAT state permits direct lookups.
func (e *Engine) restoreTick() {
	if !e.nat.State().DirectAllowed() {
		return
	}

	e.startFindNode(e.localID, func([]kadid.Contact) {
		e.republishAll()
	})
}

func (e *Engine) republishAll() {
	now := time.Now()

	for _, rec := range e.store.all() {
		custodians := e.table.Closest(rec.ID, K)

		remaining := rec.TTL - now.Sub(rec.StoredAt)
		if remaining <= 0 {
			continue
		}

		localIsCustodian := false
		for _, c := range custodians {
			if c.ID == e.localID {
				localIsCustodian = true
				continue
			}
			if _, confirmed := rec.Confirmers[c.ID]; confirmed {
				continue
			}
			e.sendStore(c, rec.ID, rec.Key, rec.Value, remaining)
		}

		if !localIsCustodian {
			e.store.delete(rec.ID, rec.Key)
		}
	}
}
