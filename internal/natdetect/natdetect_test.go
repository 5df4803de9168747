package natdetect

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func udpAddr(s string) *net.UDPAddr {
	addr, _ := net.ResolveUDPAddr("udp", s)
	return addr
}

func TestDetectorUndefinedWithFewSamples(t *testing.T) {
	d := New(udpAddr("10.0.0.1:6881"))
	d.Observe(udpAddr("1.2.3.4:1"), udpAddr("9.9.9.9:6881"))
	assert.Equal(t, Undefined, d.State())
	assert.False(t, d.State().DirectAllowed())
}

func TestDetectorConeOnConsistentMapping(t *testing.T) {
	d := New(udpAddr("10.0.0.1:6881"))
	d.Observe(udpAddr("1.2.3.4:1"), udpAddr("9.9.9.9:7000"))
	d.Observe(udpAddr("5.6.7.8:1"), udpAddr("9.9.9.9:7000"))
	assert.Equal(t, Cone, d.State())
	assert.True(t, d.State().DirectAllowed())
}

func TestDetectorSymmetricOnDivergentMapping(t *testing.T) {
	d := New(udpAddr("10.0.0.1:6881"))
	d.Observe(udpAddr("1.2.3.4:1"), udpAddr("9.9.9.9:7000"))
	d.Observe(udpAddr("5.6.7.8:1"), udpAddr("9.9.9.9:7001"))
	assert.Equal(t, Symmetric, d.State())
	assert.False(t, d.State().DirectAllowed())
}

func TestDetectorResetClearsState(t *testing.T) {
	d := New(udpAddr("10.0.0.1:6881"))
	d.Observe(udpAddr("1.2.3.4:1"), udpAddr("9.9.9.9:7000"))
	d.Observe(udpAddr("5.6.7.8:1"), udpAddr("9.9.9.9:7000"))
	require := assert.New(t)
	require.Equal(Cone, d.State())

	d.Reset()
	require.Equal(Undefined, d.State())
}
