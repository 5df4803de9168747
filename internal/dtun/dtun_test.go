package dtun

import (
	"testing"

	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/stretchr/testify/assert"
)

func TestRequestMissInvokesFailureContinuation(t *testing.T) {
	r := New()

	var ok bool
	r.Request(kadid.RandomID(), func(success bool, c kadid.Contact) { ok = success })
	assert.False(t, ok)
}

func TestRegisterThenRequestResolves(t *testing.T) {
	r := New()
	id := kadid.RandomID()
	via := kadid.Contact{ID: kadid.RandomID(), Port: 7000}

	r.RegisterNode(id, via)

	var got kadid.Contact
	var ok bool
	r.Request(id, func(success bool, c kadid.Contact) {
		ok = success
		got = c
	})

	assert.True(t, ok)
	assert.Equal(t, via.Port, got.Port)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	id := kadid.RandomID()
	r.RegisterNode(id, kadid.Contact{Port: 1})
	r.Unregister(id)

	var ok bool
	r.Request(id, func(success bool, c kadid.Contact) { ok = success })
	assert.False(t, ok)
}

func TestFindNodeExcludesSelf(t *testing.T) {
	r := New()
	a := kadid.RandomID()
	b := kadid.RandomID()
	r.RegisterNode(a, kadid.Contact{ID: a, Port: 1})
	r.RegisterNode(b, kadid.Contact{ID: b, Port: 2})

	var nodes []kadid.Contact
	r.FindNode(a, func(ns []kadid.Contact) { nodes = ns })

	assert.Len(t, nodes, 1)
	assert.Equal(t, uint16(2), nodes[0].Port)
}
