package chunktree

import (
	"context"

	"github.com/chunktree/chunktree/digest"
)

// HeldSet is the set of leaf digests a receiver already possesses.
type HeldSet map[digest.Digest]struct{}

// NewHeldSet builds a HeldSet from a slice of digests.
func NewHeldSet(digests []digest.Digest) HeldSet {
	h := make(HeldSet, len(digests))
	for _, d := range digests {
		h[d] = struct{}{}
	}
	return h
}

// FindDiff prunes root against held: every Stored leaf whose digest is in
// held is replaced by a Skipped placeholder, and any Parent whose children
// both collapsed to Skipped is itself collapsed to Skipped. Complexity is
// O(|tree|) with O(1) held-set lookups. See spec.md §4.3.
func FindDiff(root Node, held HeldSet) Node {
	switch root.kind {
	case KindStored:
		if _, ok := held[root.digest]; ok {
			return NewSkipped(root.digest, root.size)
		}
		return root
	case KindParent:
		left := FindDiff(*root.left, held)
		right := FindDiff(*root.right, held)
		if left.kind == KindSkipped && right.kind == KindSkipped {
			return NewSkipped(root.digest, root.size)
		}
		return Node{
			kind:   KindParent,
			digest: root.digest,
			size:   root.size,
			left:   &left,
			right:  &right,
		}
	default: // KindSkipped — nothing to prune further
		return root
	}
}

// DiffStream performs the same pruning as FindDiff but emits the pruned
// tree as a pre-order (node, then left subtree, then right subtree) stream
// of nodes on the returned channel, instead of materializing the pruned
// tree before returning. This is what the sender side of the transfer
// protocol (spec.md §4.6) feeds into the batcher. Each Parent is emitted
// with its children already replaced by Skipped references — the codec
// layer never serializes a full subtree inside a Parent — and the
// corresponding child Nodes follow later in the stream (the left child
// immediately, the right child after the whole left subtree), letting the
// receiver fill the shells back in by digest as they arrive.
//
// The channel is closed when the walk completes or ctx is cancelled.
func DiffStream(ctx context.Context, root Node, held HeldSet) <-chan Node {
	out := make(chan Node)
	go func() {
		defer close(out)
		pruned := FindDiff(root, held)
		diffPreOrder(ctx, pruned, out)
	}()
	return out
}

// diffPreOrder walks pruned in pre-order, emitting each Parent with its
// children downgraded to Skipped references (the wire shape), followed by
// its left subtree and then its right subtree. Returns false if the walk
// was cancelled.
func diffPreOrder(ctx context.Context, n Node, out chan<- Node) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	switch n.kind {
	case KindParent:
		shell := Node{
			kind:   KindParent,
			digest: n.digest,
			size:   n.size,
			left:   refNode(*n.left),
			right:  refNode(*n.right),
		}
		select {
		case out <- shell:
		case <-ctx.Done():
			return false
		}
		if !diffPreOrder(ctx, *n.left, out) {
			return false
		}
		return diffPreOrder(ctx, *n.right, out)
	default: // KindStored or KindSkipped
		select {
		case out <- n:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// refNode collapses n to a bare (digest, size) reference shape: a Skipped
// node carrying n's identity, used only as a Parent's in-stream child
// placeholder, never returned to a caller as a real result.
func refNode(n Node) *Node {
	r := NewSkipped(n.digest, n.size)
	return &r
}
