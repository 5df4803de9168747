package kad

import (
	"crypto/rand"
	"encoding/binary"

	xrand "golang.org/x/exp/rand"
)

// randSource produces process-local nonces. Grounded on the teacher's
// node.go split between crypto/rand (identity material) and a faster
// PRNG (ephemeral picks): nonces here use the PRNG side of that split,
// seeded once from crypto/rand at construction.
type randSource struct {
	src *xrand.Rand
}

func newRandSource() randSource {
	var seed [8]byte
	_, _ = rand.Read(seed[:])
	return randSource{src: xrand.New(xrand.NewSource(binary.LittleEndian.Uint64(seed[:])))}
}

// Uint32 returns the next pseudo-random nonce candidate.
func (r randSource) Uint32() uint32 {
	return r.src.Uint32()
}
