package routingtable

import (
	"testing"

	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableClosestEmpty(t *testing.T) {
	rt := New(kadid.RandomID())
	got := rt.Closest(kadid.RandomID(), K)
	assert.Empty(t, got)
}

func TestTableInsertAndClosestOrdering(t *testing.T) {
	local := kadid.RandomID()
	rt := New(local)

	target := kadid.RandomID()

	var inserted []kadid.Contact
	for i := 0; i < 50; i++ {
		c := kadid.Contact{ID: kadid.RandomID()}
		inserted = append(inserted, c)
		rt.Insert(c)
	}

	got := rt.Closest(target, K)
	require.LessOrEqual(t, len(got), K)

	for i := 1; i < len(got); i++ {
		di := kadid.XOR(got[i-1].ID, target)
		dj := kadid.XOR(got[i].ID, target)
		assert.False(t, dj.Less(di), "closest() must be sorted ascending by XOR distance")
	}
}

func TestTableRemovePrunesContact(t *testing.T) {
	local := kadid.RandomID()
	rt := New(local)

	c := kadid.Contact{ID: kadid.RandomID()}
	rt.Insert(c)

	require.True(t, rt.Touch(c.ID))

	rt.Remove(c.ID)
	assert.False(t, rt.Touch(c.ID))
}

func TestTableNeverInsertsLocalID(t *testing.T) {
	local := kadid.RandomID()
	rt := New(local)

	rt.Insert(kadid.Contact{ID: local})
	assert.True(t, rt.Empty())
}
