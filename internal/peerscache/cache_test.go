package peerscache

import (
	"testing"
	"time"

	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAddAndContact(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	contact := kadid.Contact{ID: kadid.RandomID(), Port: 9000}
	c.Add(contact)

	got, ok := c.Contact(contact.ID)
	require.True(t, ok)
	assert.Equal(t, contact.Port, got.Port)
}

func TestCacheContactMissing(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	_, ok := c.Contact(kadid.RandomID())
	assert.False(t, ok)
}

func TestCacheTouchResetsTimeouts(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	contact := kadid.Contact{ID: kadid.RandomID()}
	c.Add(contact)
	c.AddTimeout(contact.ID)
	c.AddTimeout(contact.ID)

	c.Touch(contact.ID)

	c.mu.RLock()
	timeouts := c.peers[contact.ID].timeouts
	c.mu.RUnlock()
	assert.Equal(t, 0, timeouts)
}

func TestCacheRemove(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	contact := kadid.Contact{ID: kadid.RandomID()}
	c.Add(contact)
	c.Remove(contact.ID)

	_, ok := c.Contact(contact.ID)
	assert.False(t, ok)
}

func TestCacheFirstOnEmpty(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	_, ok := c.First()
	assert.False(t, ok)
}
