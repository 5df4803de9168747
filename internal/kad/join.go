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
	"context"

	"github.com/kadmesh/overlay/internal/kad/protocol"
	"github.com/kadmesh/overlay/internal/kadid"
)

// Join forces an immediate bootstrap attempt against contact, for
// callers that don't want to wait for the periodic join tick.
func (e *Engine) Join(ctx context.Context, contact kadid.Contact) error {
	done := make(chan struct{})
	e.postSync(func() {
		e.peers.Add(contact)
		e.startJoinProbe(contact)
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinTick is spec.md §4.6's periodic join loop: while the routing
// table is empty and the NAT state permits direct operations, pull a
// seed from the peers cache and bootstrap against it.
func (e *Engine) joinTick() {
	if !e.table.Empty() {
		return
	}
	if !e.nat.State().DirectAllowed() {
		return
	}
	seed, ok := e.peers.First()
	if !ok {
		return
	}
	e.startJoinProbe(seed)
}

// startJoinProbe sends a single find_node for the local id against a
// contact whose node id we don't yet know, using the sentinel zero id
// as both the wire destination and the internal timer key (spec.md
// §4.6). Replies merge normally into the query's candidate list, so
// the bootstrap naturally continues as an ordinary iterative lookup
// once the first hop's contacts are known.
func (e *Engine) startJoinProbe(contact kadid.Contact) {
	nonce := e.reg.allocate()
	q := newQuery(nonce, e.localID, e.localID)
	q.bootstrap = true
	q.nodeCallback = func([]kadid.Contact) {}

	handle := e.sched.After(e.cfg.QueryTimeout, func() {
		e.post(func() { e.handleTimeout(nonce, kadid.ZeroID) })
	})
	q.markSent(kadid.ZeroID, handle)

	e.reg.insert(q)

	msg := protocol.EncodeFindNode(protocol.ZeroID, [20]byte(e.localID), nonce, contact.Domain(), [20]byte(e.localID))
	e.send(msg, contact)
}
