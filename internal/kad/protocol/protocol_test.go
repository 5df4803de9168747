package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idOf(b byte) [IDLength]byte {
	var id [IDLength]byte
	id[IDLength-1] = b
	return id
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:   Magic,
		Version: Version,
		Type:    TypePing,
		Length:  HeaderLength + 4,
		Dst:     idOf(2),
		Src:     idOf(1),
	}

	buf := EncodeHeader(nil, h)
	require.Len(t, buf, HeaderLength)

	got, rest, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Empty(t, rest)
}

func TestPingRoundTrip(t *testing.T) {
	dst, src := idOf(2), idOf(1)
	buf := EncodePing(dst, src, 0xDEADBEEF)

	h, body, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.NoError(t, Validate(h, len(buf), dst))
	assert.Equal(t, TypePing, h.Type)

	nonce, err := DecodePing(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), nonce)
}

func TestValidateRejectsBadMagicAndDestination(t *testing.T) {
	dst, src := idOf(2), idOf(1)
	buf := EncodePing(dst, src, 1)

	h, _, err := DecodeHeader(buf)
	require.NoError(t, err)

	err = Validate(h, len(buf), idOf(9))
	assert.ErrorIs(t, err, ErrBadDestination)

	h.Dst = ZeroID
	assert.NoError(t, Validate(h, len(buf), idOf(9)))

	h.Magic = 0x1111
	assert.ErrorIs(t, Validate(h, len(buf), dst), ErrBadMagic)
}

func TestContactListRoundTripPreservesOrderAndIDs(t *testing.T) {
	dst, src := idOf(2), idOf(1)
	target := idOf(0xAA)

	contacts := []ContactRecord{
		{ID: idOf(3), IP: net.ParseIP("127.0.0.1"), Port: 5001},
		{ID: idOf(4), IP: net.ParseIP("10.0.0.5"), Port: 5002},
		{ID: idOf(5), IP: net.ParseIP("192.168.1.1"), Port: 5003},
	}

	buf, err := EncodeFindNodeReply(dst, src, 7, DomainIPv4, target, contacts)
	require.NoError(t, err)

	h, body, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.NoError(t, Validate(h, len(buf), dst))

	reply, err := DecodeFindNodeReply(body)
	require.NoError(t, err)

	require.Len(t, reply.Contacts, len(contacts))
	for i := range contacts {
		assert.Equal(t, contacts[i].ID, reply.Contacts[i].ID)
		assert.True(t, contacts[i].IP.Equal(reply.Contacts[i].IP))
		assert.Equal(t, contacts[i].Port, reply.Contacts[i].Port)
	}
}

func TestFindValueReplyFlagDiscriminatesPayload(t *testing.T) {
	dst, src := idOf(2), idOf(1)
	target := idOf(0x42)

	buf := EncodeFindValueReplyFound(dst, src, 9, target, []byte("v"))
	_, body, err := DecodeHeader(buf)
	require.NoError(t, err)

	reply, err := DecodeFindValueReply(body)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), reply.Flag)
	assert.Equal(t, []byte("v"), reply.Value)

	buf, err = EncodeFindValueReplyNodes(dst, src, 9, target, DomainIPv4, nil)
	require.NoError(t, err)
	_, body, err = DecodeHeader(buf)
	require.NoError(t, err)

	reply, err = DecodeFindValueReply(body)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), reply.Flag)
	assert.Empty(t, reply.Contacts)
}

func TestStoreRoundTrip(t *testing.T) {
	dst, src := idOf(2), idOf(1)
	s := Store{ID: idOf(5), Key: []byte("k"), Value: []byte("v"), TTL: 600}

	buf := EncodeStore(dst, src, s)
	_, body, err := DecodeHeader(buf)
	require.NoError(t, err)

	got, err := DecodeStore(body)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	_, err := DecodePing([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrTruncated)
}
