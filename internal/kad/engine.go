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

// Package kad implements the DHT core: wire codec (see the protocol
// subpackage), query registry, iterative lookup engine, record store,
// ping, and the join loop, grounded on the teacher's dht.go/journey.go/
// cache.go/storage.go but restructured around a single dispatch
// goroutine per spec.md §5 rather than the teacher's multi-listener
// concurrent design.
package kad

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/kadmesh/overlay/internal/dtun"
	"github.com/kadmesh/overlay/internal/kad/protocol"
	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/kadmesh/overlay/internal/natdetect"
	"github.com/kadmesh/overlay/internal/peerscache"
	"github.com/kadmesh/overlay/internal/routingtable"
	"github.com/kadmesh/overlay/internal/timerq"
	"github.com/kadmesh/overlay/internal/transport"
)

var log = logging.Logger("kad")

// ErrWrongNATState is returned when a direct DHT operation is refused
// because the local node's reachability doesn't permit it (spec.md §7).
var ErrWrongNATState = errors.New("kad: direct operation refused for current NAT state")

// ErrPingTimeout is returned when a ping's query timeout elapses
// without a reply.
var ErrPingTimeout = errors.New("kad: ping timed out")

// ProxyHandler receives wire messages the engine's own dispatch
// doesn't interpret (the proxy_* family), so internal/proxy can sit on
// the same transport without internal/kad importing it.
type ProxyHandler func(h protocol.Header, body []byte, from *net.UDPAddr)

// Engine is the running DHT node: the single goroutine that owns the
// routing table, peers cache, record store, and query registry, and
// serializes every mutation of them onto one goroutine (run), which
// drains both the posted channel and the transport's receive channel.
type Engine struct {
	cfg     Config
	localID kadid.NodeId

	tp    transport.Transport
	sched *timerq.Scheduler
	table *routingtable.Table
	peers *peerscache.Cache
	store *recordStore
	nat   *natdetect.Detector
	dt    *dtun.Resolver

	reg   *registry
	rng   randSource
	pings map[uint32]pendingPing

	proxyHandler ProxyHandler

	posted chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine and binds its UDP transport, applying opts
// over the package defaults (teacher's dht.go New()).
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	localID := kadid.NodeId(cfg.LocalID)
	if localID.IsZero() {
		localID = kadid.RandomID()
	}

	tp, err := transport.ListenUDP(cfg.ListenAddress, cfg.SocketBufferSize)
	if err != nil {
		return nil, err
	}

	e := newEngineWithTransport(cfg, localID, tp)
	e.start()
	return e, nil
}

// NewWithTransport builds an Engine over an already-constructed
// Transport (the in-memory fake, in tests), skipping the real socket
// bind that New performs.
func NewWithTransport(tp transport.Transport, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	localID := kadid.NodeId(cfg.LocalID)
	if localID.IsZero() {
		localID = kadid.RandomID()
	}

	e := newEngineWithTransport(cfg, localID, tp)
	e.start()
	return e
}

func newEngineWithTransport(cfg Config, localID kadid.NodeId, tp transport.Transport) *Engine {
	rng := newRandSource()

	return &Engine{
		cfg:     cfg,
		localID: localID,
		tp:      tp,
		sched:   timerq.New(500 * time.Millisecond),
		table:   routingtable.New(localID),
		peers:   peerscache.New(15 * time.Minute),
		store:   newRecordStore(),
		nat:     natdetect.NewWithState(&net.UDPAddr{Port: tp.LocalPort()}, cfg.InitialNATState),
		dt:      dtun.New(),
		reg:     newRegistry(rng),
		rng:     rng,
		pings:   make(map[uint32]pendingPing),
		posted:  make(chan func(), 256),
		quit:    make(chan struct{}),
	}
}

// LocalID returns the engine's own node id.
func (e *Engine) LocalID() kadid.NodeId { return e.localID }

// SetProxyHandler installs the callback internal/proxy uses to
// receive proxy_* wire messages demultiplexed off the shared
// transport.
func (e *Engine) SetProxyHandler(h ProxyHandler) {
	e.post(func() { e.proxyHandler = h })
}

// Transport exposes the underlying transport so internal/proxy can
// send its own wire messages without a second socket.
func (e *Engine) Transport() transport.Transport { return e.tp }

// Scheduler exposes the shared timer service for internal/proxy's own
// registration/get timeouts.
func (e *Engine) Scheduler() *timerq.Scheduler { return e.sched }

// Dtun exposes the resolver so internal/proxy can register clients
// and pick a server via find_node.
func (e *Engine) Dtun() *dtun.Resolver { return e.dt }

// NATState reports the local node's current reachability classification.
func (e *Engine) NATState() natdetect.State { return e.nat.State() }

func (e *Engine) start() {
	e.wg.Add(2)
	go e.run()
	go e.periodic()
}

// Close stops the dispatch loop and releases the transport.
func (e *Engine) Close() error {
	close(e.quit)
	e.wg.Wait()
	e.sched.Close()
	e.peers.Close()
	return e.tp.Close()
}

// post serializes fn onto the single dispatch goroutine, per spec.md
// §5's single-control-flow discipline.
func (e *Engine) post(fn func()) {
	select {
	case e.posted <- fn:
	case <-e.quit:
	}
}

// postSync runs fn on the dispatch goroutine and blocks until it
// completes, used by the public synchronous API methods below.
func (e *Engine) postSync(fn func()) {
	done := make(chan struct{})
	e.post(func() {
		fn()
		close(done)
	})
	<-done
}

func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.quit:
			return
		case fn := <-e.posted:
			fn()
		case dg, ok := <-e.tp.Recv():
			if !ok {
				return
			}
			e.dispatch(dg.Data, dg.From)
		}
	}
}

func (e *Engine) periodic() {
	defer e.wg.Done()

	joinTicker := time.NewTicker(JoinRetryInterval)
	defer joinTicker.Stop()
	expireTicker := time.NewTicker(e.cfg.TimerInterval)
	defer expireTicker.Stop()
	restoreTicker := time.NewTicker(e.cfg.RestoreInterval)
	defer restoreTicker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-joinTicker.C:
			e.post(e.joinTick)
			if e.table.Empty() {
				joinTicker.Reset(JoinRetryInterval)
			} else {
				joinTicker.Reset(JoinIdleInterval)
			}
		case <-expireTicker.C:
			e.post(func() { e.store.expireSweep(time.Now()) })
		case <-restoreTicker.C:
			e.post(e.restoreTick)
		}
	}
}

// addrFor resolves a contact's address, falling back through dtun per
// spec.md §4.3's transport-fallback rule. cont is invoked with the
// resolved contact (possibly the input unchanged) or ok=false.
func (e *Engine) addrFor(c kadid.Contact, cont func(ok bool, resolved kadid.Contact)) {
	if c.IP != nil {
		cont(true, c)
		return
	}

	if cached, ok := e.peers.Contact(c.ID); ok {
		cont(true, cached)
		return
	}

	e.dt.Request(c.ID, func(ok bool, resolved kadid.Contact) {
		if !ok {
			cont(false, kadid.Contact{})
			return
		}
		cont(true, resolved)
	})
}

func (e *Engine) send(data []byte, to kadid.Contact) {
	if err := e.tp.Send(data, to); err != nil {
		log.Debugf("send to %s failed: %v", to.ID, err)
	}
}

// FindNode performs a synchronous iterative node lookup for target.
// Refused per spec.md §7 when the local NAT state doesn't permit
// direct DHT operations; the caller is expected to fall back to the
// proxy path.
func (e *Engine) FindNode(ctx context.Context, target kadid.NodeId) ([]kadid.Contact, error) {
	if !e.nat.State().DirectAllowed() {
		return nil, ErrWrongNATState
	}

	type result struct {
		contacts []kadid.Contact
	}
	out := make(chan result, 1)

	e.postSync(func() {
		e.startFindNode(target, func(contacts []kadid.Contact) {
			out <- result{contacts: contacts}
		})
	})

	select {
	case r := <-out:
		return r.contacts, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FindValue performs a synchronous iterative value lookup for key
// under target. Refused per spec.md §7 when the local NAT state
// doesn't permit direct DHT operations.
func (e *Engine) FindValue(ctx context.Context, target kadid.NodeId, key []byte) ([]byte, bool, error) {
	if !e.nat.State().DirectAllowed() {
		return nil, false, ErrWrongNATState
	}

	type result struct {
		value []byte
		ok    bool
	}
	out := make(chan result, 1)

	e.postSync(func() {
		e.startFindValue(target, key, func(ok bool, value []byte) {
			out <- result{value: value, ok: ok}
		})
	})

	select {
	case r := <-out:
		return r.value, r.ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Store issues native stores to the K nodes closest to id. (The
// republication sweep sends its stores through sendStore directly, not
// through Store.) Refused per
// spec.md §7 when the local NAT state doesn't permit direct DHT
// operations.
func (e *Engine) Store(ctx context.Context, id kadid.NodeId, key, value []byte, ttl time.Duration) error {
	if !e.nat.State().DirectAllowed() {
		return ErrWrongNATState
	}

	done := make(chan struct{})

	e.postSync(func() {
		e.startFindNode(id, func(contacts []kadid.Contact) {
			for _, c := range contacts {
				e.sendStore(c, id, key, value, ttl)
			}
			close(done)
		})
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostFindValue schedules a find_value lookup without blocking for its
// result, for callers that are themselves already running on the
// dispatch goroutine (internal/proxy's inbound proxy_get handler,
// which executes inline from a ProxyHandler callback) — calling the
// synchronous FindValue from there would deadlock against this same
// goroutine's own select loop.
func (e *Engine) PostFindValue(target kadid.NodeId, key []byte, cb func(ok bool, value []byte)) {
	e.post(func() { e.startFindValue(target, key, cb) })
}

// PostStore is Store's non-blocking counterpart, for the same reason
// PostFindValue exists.
func (e *Engine) PostStore(id kadid.NodeId, key, value []byte, ttl time.Duration, done func()) {
	e.post(func() {
		e.startFindNode(id, func(contacts []kadid.Contact) {
			for _, c := range contacts {
				e.sendStore(c, id, key, value, ttl)
			}
			if done != nil {
				done()
			}
		})
	})
}

func (e *Engine) sendStore(to kadid.Contact, id kadid.NodeId, key, value []byte, ttl time.Duration) {
	e.addrFor(to, func(ok bool, resolved kadid.Contact) {
		if !ok {
			return
		}
		msg := protocol.EncodeStore([20]byte(resolved.ID), [20]byte(e.localID), protocol.Store{
			ID:    [20]byte(id),
			Key:   key,
			Value: value,
			TTL:   uint16(ttl / time.Second),
		})
		e.send(msg, resolved)
	})
}
