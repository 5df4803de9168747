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
	"time"

	"github.com/kadmesh/overlay/internal/kad/protocol"
	"github.com/kadmesh/overlay/internal/kadid"
)

// dispatch demultiplexes one inbound datagram by message type,
// grounded on the teacher's listener.process switch. Protocol
// violations and unknown nonces are silently dropped per spec.md §7;
// the only place that surfaces them is the Debug log when
// Config.Logging is set (mirroring listener.go's l.logging gate).
func (e *Engine) dispatch(data []byte, from *net.UDPAddr) {
	h, body, err := protocol.DecodeHeader(data)
	if err != nil {
		e.debugf("drop malformed header from %s: %v", from, err)
		return
	}

	if err := protocol.Validate(h, len(data), [protocol.IDLength]byte(e.localID)); err != nil {
		e.debugf("drop invalid datagram from %s: %v", from, err)
		return
	}

	switch h.Type {
	case protocol.TypePing:
		e.handlePing(h, body, from)
	case protocol.TypePingReply:
		e.handlePingReply(h, body)
	case protocol.TypeFindNode:
		e.handleFindNode(h, body, from)
	case protocol.TypeFindNodeReply:
		e.handleFindNodeReply(h, body, from)
	case protocol.TypeFindValue:
		e.handleFindValue(h, body, from)
	case protocol.TypeFindValueReply:
		e.handleFindValueReply(h, body, from)
	case protocol.TypeStore:
		e.handleStore(h, body, from)
	case protocol.TypeProxyRegister, protocol.TypeProxyRegisterReply,
		protocol.TypeProxyStore, protocol.TypeProxyGet, protocol.TypeProxyGetReply:
		if e.proxyHandler != nil {
			e.proxyHandler(h, body, from)
		}
	}
}

func (e *Engine) debugf(format string, args ...any) {
	if e.cfg.Logging {
		log.Debugf(format, args...)
	}
}

// handleFindNode answers a peer's node lookup with the K closest
// contacts we know to their target.
func (e *Engine) handleFindNode(h protocol.Header, body []byte, from *net.UDPAddr) {
	req, err := protocol.DecodeFindNode(body)
	if err != nil {
		return
	}

	e.rememberSender(kadid.NodeId(h.Src), from)

	contacts := e.table.Closest(kadid.NodeId(req.TargetID), K)
	recs := toRecords(contacts)

	msg, err := protocol.EncodeFindNodeReply([20]byte(h.Src), [20]byte(e.localID), req.Nonce, req.Domain, req.TargetID, recs)
	if err != nil {
		return
	}
	e.send(msg, kadid.Contact{ID: kadid.NodeId(h.Src), IP: from.IP, Port: uint16(from.Port)})
}

// handleFindValue answers with our stored value, or else the K
// closest contacts, per spec.md §4.1's find_value_reply flag.
func (e *Engine) handleFindValue(h protocol.Header, body []byte, from *net.UDPAddr) {
	req, err := protocol.DecodeFindValue(body)
	if err != nil {
		return
	}

	e.rememberSender(kadid.NodeId(h.Src), from)

	sender := kadid.Contact{ID: kadid.NodeId(h.Src), IP: from.IP, Port: uint16(from.Port)}

	if rec, ok := e.store.get(kadid.NodeId(req.TargetID), req.Key); ok {
		msg := protocol.EncodeFindValueReplyFound([20]byte(h.Src), [20]byte(e.localID), req.Nonce, req.TargetID, rec.Value)
		e.send(msg, sender)
		return
	}

	contacts := e.table.Closest(kadid.NodeId(req.TargetID), K)
	msg, err := protocol.EncodeFindValueReplyNodes([20]byte(h.Src), [20]byte(e.localID), req.Nonce, req.TargetID, req.Domain, toRecords(contacts))
	if err != nil {
		return
	}
	e.send(msg, sender)
}

// handleStore applies an inbound store message, spec.md §4.4.
func (e *Engine) handleStore(h protocol.Header, body []byte, from *net.UDPAddr) {
	s, err := protocol.DecodeStore(body)
	if err != nil {
		return
	}

	sender := kadid.NodeId(h.Src)
	e.rememberSender(sender, from)

	e.store.put(sender, kadid.NodeId(s.ID), s.Key, s.Value, time.Duration(s.TTL)*time.Second, time.Now())
}

// rememberSender registers an inbound peer as seen, as every handler
// does before acting on its request (teacher's listener.go "attempt to
// update the node first" step).
func (e *Engine) rememberSender(id kadid.NodeId, from *net.UDPAddr) {
	contact := kadid.Contact{ID: id, IP: from.IP, Port: uint16(from.Port)}
	e.table.Insert(contact)
	e.peers.Add(contact)
}

func toRecords(contacts []kadid.Contact) []protocol.ContactRecord {
	out := make([]protocol.ContactRecord, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, kadid.RecordFromContact(c))
	}
	return out
}
