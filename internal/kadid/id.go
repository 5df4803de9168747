// Package kadid implements the overlay's 160-bit node identifiers, the
// XOR distance metric over them, and the Contact type that pairs an
// id with exactly one address family.
package kadid

import (
	"crypto/rand"
	"encoding/hex"
	"math/bits"
	"net"

	"github.com/kadmesh/overlay/internal/kad/protocol"
)

// IDLength is the size in bytes of a NodeId.
const IDLength = protocol.IDLength

// NodeId is a 160-bit overlay identifier with an XOR distance metric.
type NodeId [IDLength]byte

// ZeroID is the sentinel bootstrap-probe placeholder id.
var ZeroID NodeId

// RandomID returns a cryptographically random NodeId, grounded on the
// teacher's node.go randomID (crypto/rand for identity material).
func RandomID() NodeId {
	var id NodeId
	_, _ = rand.Read(id[:])
	return id
}

// IsZero reports whether id is the all-zeros sentinel.
func (id NodeId) IsZero() bool {
	return id == ZeroID
}

// String renders the id as lowercase hex.
func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id NodeId) MarshalBinary() ([]byte, error) {
	out := make([]byte, IDLength)
	copy(out, id[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *NodeId) UnmarshalBinary(data []byte) error {
	if len(data) != IDLength {
		return protocol.ErrTruncated
	}
	copy(id[:], data)
	return nil
}

// Distance is the XOR metric between two ids, itself treated as a
// 160-bit unsigned integer for ordering purposes.
type Distance [IDLength]byte

// XOR computes the XOR distance between a and b.
func XOR(a, b NodeId) Distance {
	var d Distance
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether d is numerically smaller than other, comparing
// the full 160-bit value most-significant byte first.
func (d Distance) Less(other Distance) bool {
	for i := 0; i < IDLength; i++ {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// leadingZeroBits is used by the bucket index computation; the routing
// table reaches it through the exported BucketIndex.
func leadingZeroBits(d Distance) int {
	for i := 0; i < IDLength; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return IDLength * 8
}

// BucketIndex returns which of the 160 k-buckets a peer at distance d
// from the local id belongs in.
func BucketIndex(d Distance) int {
	return IDLength*8 - 1 - leadingZeroBits(d)
}

// Family discriminates which address a Contact carries.
type Family uint8

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Contact is a peer identity plus exactly one address family.
type Contact struct {
	ID      NodeId
	Family  Family
	IP      net.IP
	Port    uint16
}

func (c Contact) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.IP, Port: int(c.Port)}
}

func (c Contact) Domain() protocol.Domain {
	if c.Family == FamilyIPv6 {
		return protocol.DomainIPv6
	}
	return protocol.DomainIPv4
}

// ContactFromRecord converts a decoded wire contact record back into a
// Contact, given the domain it was packed under.
func ContactFromRecord(rec protocol.ContactRecord, domain protocol.Domain) Contact {
	fam := FamilyIPv4
	if domain == protocol.DomainIPv6 {
		fam = FamilyIPv6
	}
	return Contact{ID: NodeId(rec.ID), Family: fam, IP: rec.IP, Port: rec.Port}
}

// RecordFromContact packs a Contact into its wire representation.
func RecordFromContact(c Contact) protocol.ContactRecord {
	return protocol.ContactRecord{ID: [IDLength]byte(c.ID), IP: c.IP, Port: c.Port}
}
