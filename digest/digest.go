// Package digest defines the 32-byte content digest used throughout
// chunktree: the identifier for both leaf chunks and internal tree nodes.
package digest

import (
	"encoding/hex"
	"fmt"
)

// Size is the byte length of a Digest.
const Size = 32

// Digest is a fixed-size cryptographic digest. The zero Digest is not a
// valid hash of anything and is reserved for "absent" sentinels.
type Digest [Size]byte

// FromBytes copies b into a new Digest. b must be exactly Size bytes.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("digest: expected %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest parses a lowercase hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex %q: %w", s, err)
	}
	return FromBytes(b)
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the raw digest bytes.
func (d Digest) Bytes() []byte {
	return d[:]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equal performs a plain (non-constant-time) byte comparison, matching
// spec.md §3: digest equality is identity, not a secret to be protected
// against timing attacks.
func (d Digest) Equal(other Digest) bool {
	return d == other
}
