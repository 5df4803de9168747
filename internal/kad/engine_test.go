package kad

import (
	"context"
	"testing"
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/kadmesh/overlay/internal/natdetect"
	"github.com/kadmesh/overlay/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, net *transport.Network, port int) *Engine {
	t.Helper()
	tp := net.Listen(port)
	e := NewWithTransport(tp, WithNATState(natdetect.Global))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// scenario 1: empty routing table, find_node fires synchronously with
// an empty result.
func TestFindNodeOnEmptyTableReturnsEmpty(t *testing.T) {
	net := transport.NewNetwork()
	e := newTestEngine(t, net, 7001)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	contacts, err := e.FindNode(ctx, kadid.RandomID())
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

// scenario 2: single-hop find_value hit.
func TestFindValueSingleHopHit(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestEngine(t, net, 7002)
	b := newTestEngine(t, net, 7003)

	target := kadid.RandomID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bContact := kadid.Contact{ID: b.LocalID(), IP: loopback(), Port: 7003}
	require.NoError(t, a.Join(ctx, bContact))

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Store(ctx, target, []byte("k"), []byte("v"), time.Minute))

	time.Sleep(50 * time.Millisecond)

	value, ok, err := a.FindValue(ctx, target, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

// scenario 3: one of the three in-flight probes times out, is removed
// from the routing table and flagged in the peers cache, and the fourth
// candidate takes its place in the fan-out.
func TestFindNodeTimeoutThenRetry(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestEngine(t, net, 7006)

	target := kadid.RandomID()

	// Four candidates, none reachable: no listener is registered at
	// these addresses, so every probe is dropped silently and only a
	// manually-fired timeout (below) ever resolves them. This isolates
	// the fan-out/timeout bookkeeping from real reply traffic.
	candidates := []kadid.Contact{
		{ID: kadid.RandomID(), IP: loopback(), Port: 19001},
		{ID: kadid.RandomID(), IP: loopback(), Port: 19002},
		{ID: kadid.RandomID(), IP: loopback(), Port: 19003},
		{ID: kadid.RandomID(), IP: loopback(), Port: 19004},
	}

	qc := make(chan *query, 1)
	a.postSync(func() {
		for _, c := range candidates {
			a.table.Insert(c)
		}
		a.startFindNode(target, func([]kadid.Contact) {})
		for _, q := range a.reg.queries {
			qc <- q
		}
	})
	q := <-qc

	var timedOut, stillPending kadid.NodeId
	a.postSync(func() {
		require.Equal(t, MaxQuery, q.inFlight)
		for _, c := range q.candidates {
			if _, sent := q.sent[c.ID]; sent {
				timedOut = c.ID
			} else {
				stillPending = c.ID
			}
		}
	})
	require.NotZero(t, stillPending)

	a.postSync(func() { a.handleTimeout(q.nonce, timedOut) })

	a.postSync(func() {
		assert.Equal(t, MaxQuery, q.inFlight, "the fourth candidate should now fill the freed slot")
		_, nowSent := q.sent[stillPending]
		assert.True(t, nowSent)

		assert.False(t, a.table.Touch(timedOut), "timed-out peer should be removed from the routing table")
	})
}

// scenario 4: republication migrates a record whose confirmers no
// longer include the local node's current view of its custodians.
func TestRepublicationMigratesRecord(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestEngine(t, net, 7007)
	custodian := newTestEngine(t, net, 7008)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	custodianContact := kadid.Contact{ID: custodian.LocalID(), IP: loopback(), Port: 7008}
	require.NoError(t, a.Join(ctx, custodianContact))
	time.Sleep(50 * time.Millisecond)

	target := kadid.RandomID()

	// Seed the record directly into a's local store, as if it had
	// arrived via an inbound store from some other peer — a never
	// appears in its own routing table (kadid/routingtable's Insert
	// excludes local), so it is never its own record's custodian, and
	// no confirmer in this record happens to be the known custodian.
	done := make(chan struct{})
	a.postSync(func() {
		a.store.put(kadid.RandomID(), target, []byte("k"), []byte("v"), 600*time.Second, time.Now())
		a.republishAll()
		close(done)
	})
	<-done
	time.Sleep(50 * time.Millisecond)

	custodian.postSync(func() {
		rec, ok := custodian.store.get(target, []byte("k"))
		require.True(t, ok, "custodian should now hold the republished record")
		assert.Equal(t, []byte("v"), rec.Value)
	})

	a.postSync(func() {
		_, stillLocal := a.store.get(target, []byte("k"))
		assert.False(t, stillLocal, "record should migrate away from a node that isn't its own custodian")
	})
}

func TestPingRoundTrip(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestEngine(t, net, 7004)
	b := newTestEngine(t, net, 7005)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Ping(ctx, kadid.Contact{ID: b.LocalID(), IP: loopback(), Port: 7005})
	assert.NoError(t, err)
}

func loopback() []byte {
	return []byte{127, 0, 0, 1}
}
