// Package chunktree implements the binary hash-tree node model: the
// Stored/Parent/Skipped tagged node, the chunked tree builder, and the
// diff algorithm that prunes a tree against a held set of leaf digests.
package chunktree

import (
	"bytes"
	"fmt"

	"github.com/chunktree/chunktree/digest"
)

// Kind tags the three node variants. A Node is a sum type, not a class
// hierarchy: every operation below switches on Kind rather than relying on
// dynamic dispatch.
type Kind uint8

const (
	// KindStored is a leaf carrying up to digest.ChunkSize bytes.
	KindStored Kind = iota
	// KindParent is an internal node combining exactly two children.
	KindParent
	// KindSkipped is a placeholder for a subtree not transmitted (or not
	// yet received).
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindStored:
		return "stored"
	case KindParent:
		return "parent"
	case KindSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Node is the tagged hash-tree node. The zero Node is not meaningful; use
// one of the New* constructors.
type Node struct {
	kind   Kind
	digest digest.Digest
	size   uint64

	// bytes is populated only for KindStored.
	bytes []byte

	// left and right are populated only for KindParent. They are plain
	// pointers rather than atomically-shared references: chunktree has no
	// concurrent mutation of a built tree, so Go's garbage collector
	// already gives us the "arena of digest-keyed reference counts" §9
	// describes for free — two Parents that share an identical subtree
	// share the nodes below it if the caller interns by digest (see
	// BuildTree's memoization), and the collector keeps them alive exactly as
	// long as something needs it.
	left, right *Node
}

// NewStored builds a leaf node. bytes must be 1..=digest.ChunkSize long,
// except that the unique zero-byte blob is represented by a single
// zero-length Stored node (spec's sole exception to the size floor).
func NewStored(b []byte) (Node, error) {
	if len(b) > digest.ChunkSize {
		return Node{}, fmt.Errorf("chunktree: stored chunk of %d bytes exceeds chunk size %d", len(b), digest.ChunkSize)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Node{
		kind:   KindStored,
		digest: digest.Leaf(cp),
		size:   uint64(len(cp)),
		bytes:  cp,
	}, nil
}

// NewParent combines two children into an internal node.
func NewParent(left, right Node) Node {
	l, r := left, right
	return Node{
		kind:   KindParent,
		digest: digest.Combine(left.digest, right.digest),
		size:   left.size + right.size,
		left:   &l,
		right:  &r,
	}
}

// NewSkipped builds a placeholder standing in for a subtree of the given
// digest and total size.
func NewSkipped(d digest.Digest, size uint64) Node {
	return Node{kind: KindSkipped, digest: d, size: size}
}

// Digest returns the node's digest. O(1).
func (n Node) Digest() digest.Digest { return n.digest }

// Size returns the total leaf byte count of the subtree rooted at n. O(1).
func (n Node) Size() uint64 { return n.size }

// Kind reports which of the three variants n is.
func (n Node) Kind() Kind { return n.kind }

// ChunkInfo returns the (digest, size) pair identifying this node, the form
// used everywhere a node reference (rather than the node itself) is needed.
func (n Node) ChunkInfo() (digest.Digest, uint64) { return n.digest, n.size }

// Children returns n's children. ok is false unless n.Kind() == KindParent.
func (n Node) Children() (left, right Node, ok bool) {
	if n.kind != KindParent {
		return Node{}, Node{}, false
	}
	return *n.left, *n.right, true
}

// StoredBytes returns n's leaf bytes. ok is false unless n.Kind() == KindStored.
func (n Node) StoredBytes() (b []byte, ok bool) {
	if n.kind != KindStored {
		return nil, false
	}
	return n.bytes, true
}

// IsComplete reports whether no Skipped node appears anywhere in the
// subtree rooted at n.
func (n Node) IsComplete() bool {
	switch n.kind {
	case KindSkipped:
		return false
	case KindParent:
		return n.left.IsComplete() && n.right.IsComplete()
	default:
		return true
	}
}

// CloneBytes concatenates the leaf bytes of n's subtree in left-to-right
// (in-order) order, reproducing the original blob. It fails if any Skipped
// node is encountered, since those bytes are not available locally.
func (n Node) CloneBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.cloneBytesInto(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n Node) cloneBytesInto(buf *bytes.Buffer) error {
	switch n.kind {
	case KindStored:
		buf.Write(n.bytes)
		return nil
	case KindParent:
		if err := n.left.cloneBytesInto(buf); err != nil {
			return err
		}
		return n.right.cloneBytesInto(buf)
	default: // KindSkipped
		return fmt.Errorf("chunktree: cannot clone bytes through skipped subtree %s", n.digest)
	}
}

// FlattenLeaves returns the in-order digest sequence of every Stored leaf
// in n's subtree. Duplicate digests are preserved (deduplication happens
// one level up, in AllDigests); a Skipped node contributes nothing.
func (n Node) FlattenLeaves() []digest.Digest {
	var out []digest.Digest
	n.flattenLeavesInto(&out)
	return out
}

func (n Node) flattenLeavesInto(out *[]digest.Digest) {
	switch n.kind {
	case KindStored:
		*out = append(*out, n.digest)
	case KindParent:
		n.left.flattenLeavesInto(out)
		n.right.flattenLeavesInto(out)
	}
}

// ChunkRef is a (digest, size) pair, the unit AllDigestsWithSizes and the
// wire codec's child references both use.
type ChunkRef struct {
	Digest digest.Digest
	Size   uint64
}

// AllDigests returns the deduplicated set of every distinct digest in n's
// subtree, leaves and internal nodes alike.
func (n Node) AllDigests() map[digest.Digest]struct{} {
	out := make(map[digest.Digest]struct{})
	n.collectDigests(out)
	return out
}

func (n Node) collectDigests(out map[digest.Digest]struct{}) {
	if _, seen := out[n.digest]; seen {
		// A repeated digest mid-walk can only be a shared subtree or a
		// malformed tree; either way there is nothing new to collect
		// below it, and re-descending would make a malicious or buggy
		// cyclic structure loop forever (see §9).
		return
	}
	out[n.digest] = struct{}{}
	if n.kind == KindParent {
		n.left.collectDigests(out)
		n.right.collectDigests(out)
	}
}

// AllDigestsWithSizes is AllDigests with each digest's subtree size attached.
func (n Node) AllDigestsWithSizes() map[digest.Digest]uint64 {
	out := make(map[digest.Digest]uint64)
	n.collectDigestsWithSizes(out)
	return out
}

func (n Node) collectDigestsWithSizes(out map[digest.Digest]uint64) {
	if _, seen := out[n.digest]; seen {
		return
	}
	out[n.digest] = n.size
	if n.kind == KindParent {
		n.left.collectDigestsWithSizes(out)
		n.right.collectDigestsWithSizes(out)
	}
}

// FlattenStoredLeaves returns every Stored leaf node in n's subtree,
// in-order, one entry per occurrence — unlike AllDigests/AllDigestsWithSizes
// this does not deduplicate, since a backend writing leaf bytes to
// multiple on-disk locations needs every occurrence's own (digest, size).
func (n Node) FlattenStoredLeaves() []Node {
	var out []Node
	n.flattenStoredLeavesInto(&out)
	return out
}

func (n Node) flattenStoredLeavesInto(out *[]Node) {
	switch n.kind {
	case KindStored:
		*out = append(*out, n)
	case KindParent:
		n.left.flattenStoredLeavesInto(out)
		n.right.flattenStoredLeavesInto(out)
	}
}

// FlattenIter lazily yields leaf byte slices via yield, depth-first,
// in-order. Skipped nodes yield an empty, zero-length contribution;
// callers reconstructing a blob must check IsComplete first, since a
// Skipped leaf's "empty" yield is indistinguishable from a genuine
// zero-byte leaf otherwise.
func (n Node) FlattenIter(yield func([]byte) bool) {
	switch n.kind {
	case KindStored:
		yield(n.bytes)
	case KindParent:
		cont := true
		n.left.FlattenIter(func(b []byte) bool {
			cont = yield(b)
			return cont
		})
		if !cont {
			return
		}
		n.right.FlattenIter(yield)
	case KindSkipped:
		yield(nil)
	}
}
