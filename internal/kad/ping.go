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
	"net"

	"github.com/kadmesh/overlay/internal/kad/protocol"
	"github.com/kadmesh/overlay/internal/kadid"
)

// pendingPing tracks one outstanding ping, keyed by nonce like a
// single-probe query (spec.md §4.5 reuses the codec but not the full
// query machinery).
type pendingPing struct {
	cb    func(bool)
	timer func()
}

// Ping issues a liveness probe to contact and waits for the reply or
// the query timeout, updating the peers cache on success (spec.md
// §4.5). Refused per spec.md §7 when the local NAT state doesn't
// permit direct DHT operations.
func (e *Engine) Ping(ctx context.Context, contact kadid.Contact) error {
	if !e.nat.State().DirectAllowed() {
		return ErrWrongNATState
	}

	out := make(chan bool, 1)

	e.postSync(func() {
		e.startPing(contact, func(ok bool) { out <- ok })
	})

	select {
	case ok := <-out:
		if !ok {
			return ErrPingTimeout
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) startPing(contact kadid.Contact, cb func(bool)) {
	nonce := e.reg.allocate()

	handle := e.sched.After(e.cfg.QueryTimeout, func() {
		e.post(func() {
			if p, ok := e.pings[nonce]; ok {
				delete(e.pings, nonce)
				p.cb(false)
			}
		})
	})

	e.pings[nonce] = pendingPing{cb: cb, timer: func() { e.sched.Cancel(handle) }}

	e.addrFor(contact, func(ok bool, resolved kadid.Contact) {
		if !ok {
			return
		}
		msg := protocol.EncodePing([20]byte(resolved.ID), [20]byte(e.localID), nonce)
		e.send(msg, resolved)
	})
}

func (e *Engine) handlePing(h protocol.Header, body []byte, from *net.UDPAddr) {
	nonce, err := protocol.DecodePing(body)
	if err != nil {
		return
	}

	e.rememberSender(kadid.NodeId(h.Src), from)

	msg := protocol.EncodePingReply([20]byte(h.Src), [20]byte(e.localID), nonce)
	e.send(msg, kadid.Contact{ID: kadid.NodeId(h.Src), IP: from.IP, Port: uint16(from.Port)})
}

func (e *Engine) handlePingReply(h protocol.Header, body []byte) {
	nonce, err := protocol.DecodePing(body)
	if err != nil {
		return
	}

	p, ok := e.pings[nonce]
	if !ok {
		return
	}
	delete(e.pings, nonce)
	p.timer()
	e.peers.Touch(kadid.NodeId(h.Src))
	p.cb(true)
}
