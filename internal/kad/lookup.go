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
	"net"

	"github.com/kadmesh/overlay/internal/kad/protocol"
	"github.com/kadmesh/overlay/internal/kadid"
)

// startFindNode seeds a query from the routing table and enters the
// fan-out rule, or fires the callback synchronously with an empty
// result when the table has nothing to offer (spec.md §4.3, scenario 1).
func (e *Engine) startFindNode(target kadid.NodeId, cb func([]kadid.Contact)) {
	seed := e.table.Closest(target, K)
	if len(seed) == 0 {
		cb(nil)
		return
	}

	nonce := e.reg.allocate()
	q := newQuery(nonce, e.localID, target)
	q.nodeCallback = cb
	q.seedCandidates(seed)

	e.reg.insert(q)
	e.fanOut(q)
}

// startFindValue is the find_value counterpart of startFindNode.
func (e *Engine) startFindValue(target kadid.NodeId, key []byte, cb func(bool, []byte)) {
	seed := e.table.Closest(target, K)
	if len(seed) == 0 {
		cb(false, nil)
		return
	}

	nonce := e.reg.allocate()
	q := newQuery(nonce, e.localID, target)
	q.isFindValue = true
	q.key = append([]byte(nil), key...)
	q.valueCallback = cb
	q.seedCandidates(seed)

	e.reg.insert(q)
	e.fanOut(q)
}

// fanOut implements spec.md §4.3's fan-out rule: while under the
// in-flight cap and candidates remain unprobed, dispatch more probes;
// once inFlight drops to zero with nothing left to try, the query
// terminates.
func (e *Engine) fanOut(q *query) {
	for q.inFlight < MaxQuery {
		c, ok := q.nextUnsent()
		if !ok {
			break
		}
		e.probe(q, c)
	}

	if q.inFlight == 0 {
		e.finishQuery(q)
	}
}

func (e *Engine) probe(q *query, c kadid.Contact) {
	nonce := q.nonce
	probedID := c.ID

	handle := e.sched.After(e.cfg.QueryTimeout, func() {
		e.post(func() { e.handleTimeout(nonce, probedID) })
	})
	q.markSent(probedID, handle)

	e.addrFor(c, func(ok bool, resolved kadid.Contact) {
		if !ok {
			// dtun fallback failed; no retry, the armed timer will fire
			// on schedule (spec.md §4.3 "Transport fallback").
			return
		}

		var msg []byte
		if q.isFindValue {
			msg = protocol.EncodeFindValue([20]byte(resolved.ID), [20]byte(e.localID), nonce, resolved.Domain(), [20]byte(q.dst), q.key)
		} else {
			msg = protocol.EncodeFindNode([20]byte(resolved.ID), [20]byte(e.localID), nonce, resolved.Domain(), [20]byte(q.dst))
		}
		e.send(msg, resolved)
	})
}

// finishQuery cancels residual timers and fires the query's callback
// exactly once, per spec.md §4.3/§7.
func (e *Engine) finishQuery(q *query) {
	for id, h := range q.timers {
		e.sched.Cancel(h)
		delete(q.timers, id)
	}
	e.reg.remove(q.nonce)

	if q.isFindValue {
		q.valueCallback(false, nil)
		return
	}
	q.nodeCallback(q.candidates)
}

// handleTimeout is the per-probe timer callback (spec.md §4.3
// "Timeout handling").
func (e *Engine) handleTimeout(nonce uint32, probedID kadid.NodeId) {
	q, ok := e.reg.get(nonce)
	if !ok {
		return
	}

	if _, hadTimer := q.cancelTimer(probedID); !hadTimer {
		// a reply already claimed this probe; the loser is a no-op.
		return
	}

	q.inFlight--

	if !probedID.IsZero() {
		e.table.Remove(probedID)
		e.peers.AddTimeout(probedID)
	}

	e.fanOut(q)
}

// handleFindNodeReply implements spec.md §4.3's find_node_reply path.
func (e *Engine) handleFindNodeReply(h protocol.Header, body []byte, from *net.UDPAddr) {
	r, err := protocol.DecodeFindNodeReply(body)
	if err != nil {
		return
	}

	q, ok := e.reg.get(r.Nonce)
	if !ok || q.isFindValue {
		return
	}
	if kadid.NodeId(r.TargetID) != q.dst {
		return
	}

	responder := kadid.NodeId(h.Src)
	e.acceptResponder(q, responder, from)
	e.mergeReplyContacts(q, r.Contacts, r.Domain)
	e.fanOut(q)
}

// handleFindValueReply implements spec.md §4.3's find_value_reply path.
func (e *Engine) handleFindValueReply(h protocol.Header, body []byte, from *net.UDPAddr) {
	r, err := protocol.DecodeFindValueReply(body)
	if err != nil {
		return
	}

	q, ok := e.reg.get(r.Nonce)
	if !ok || !q.isFindValue {
		return
	}
	if kadid.NodeId(r.TargetID) != q.dst {
		return
	}

	responder := kadid.NodeId(h.Src)
	e.acceptResponder(q, responder, from)

	if r.Flag == 1 {
		cb := q.valueCallback
		for id, handle := range q.timers {
			e.sched.Cancel(handle)
			delete(q.timers, id)
		}
		e.reg.remove(q.nonce)
		cb(true, r.Value)
		return
	}

	e.mergeReplyContacts(q, r.Contacts, r.Domain)
	e.fanOut(q)
}

// acceptResponder cancels the probe's timer (falling back to the
// bootstrap sentinel key) and registers the responder as live.
func (e *Engine) acceptResponder(q *query, responder kadid.NodeId, from *net.UDPAddr) {
	h, hadTimer := q.cancelTimer(responder)
	if !hadTimer {
		h, hadTimer = q.cancelTimer(kadid.ZeroID)
	}
	if !hadTimer {
		return
	}
	e.sched.Cancel(h)
	q.inFlight--

	contact := kadid.Contact{ID: responder, IP: from.IP, Port: uint16(from.Port)}
	e.table.Insert(contact)
	e.peers.Add(contact)
}

func (e *Engine) mergeReplyContacts(q *query, recs []protocol.ContactRecord, domain protocol.Domain) {
	fresh := make([]kadid.Contact, 0, len(recs))
	for _, rec := range recs {
		fresh = append(fresh, kadid.ContactFromRecord(rec, domain))
	}
	q.mergeCandidates(fresh)
}
