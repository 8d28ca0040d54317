package digest

import "lukechampine.com/blake3"

// ChunkSize is the fixed leaf byte count: the BLAKE3 native chunk length.
// Every leaf in a tree is at most ChunkSize bytes; only the final leaf of a
// blob may be shorter.
const ChunkSize = 1024

// leafKey and nodeKey give H_leaf and H_combine distinct BLAKE3 keys so
// that no input to one hash can ever collide with an input to the other;
// a single-chunk blob's root is simply H_leaf of its bytes (no combine
// involved), so domain separation must hold independent of input length.
var (
	leafKey [32]byte
	nodeKey [32]byte
)

func init() {
	blake3.DeriveKey(leafKey[:], "chunktree.org 2024-01 leaf chunk hash", nil)
	blake3.DeriveKey(nodeKey[:], "chunktree.org 2024-01 internal node combiner", nil)
}

// Leaf hashes a chunk's raw bytes into a Digest.
func Leaf(b []byte) Digest {
	h := blake3.New(Size, leafKey[:])
	h.Write(b)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Combine hashes two child digests, in order, into their parent's Digest.
// Combine is asymmetric: Combine(l, r) != Combine(r, l) in general, since
// the two digests are concatenated left-then-right before hashing.
func Combine(left, right Digest) Digest {
	h := blake3.New(Size, nodeKey[:])
	h.Write(left[:])
	h.Write(right[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
