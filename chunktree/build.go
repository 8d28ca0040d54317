package chunktree

import (
	"bytes"
	"errors"
	"io"
	"time"

	chunker "github.com/ipfs/go-ipfs-chunker"

	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/internal/metrics"
)

// largeBuildThreshold splits builds into the "small" and "large" size
// buckets, used to keep the tree_build_duration_seconds summary from
// averaging a flood of tiny inserts together with rare multi-chunk builds.
const largeBuildThreshold = 64 * digest.ChunkSize

// LeafFunc builds a caller-chosen node type N from a chunk's raw bytes.
type LeafFunc[N any] func([]byte) (N, error)

// MergeFunc combines two caller-chosen node types N into their parent.
type MergeFunc[N any] func(left, right N) (N, error)

// Build splits data into fixed-size chunks and folds them bottom-up into a
// balanced binary tree, per spec.md §4.2. N is any node-like type the
// caller chooses (typically Node itself, via BuildTree); Build never
// inspects N beyond what leaf and merge return.
//
// The chunking itself is delegated to go-ipfs-chunker's fixed-size
// Splitter rather than hand-rolled slicing, so the chunk boundaries this
// engine produces match the rest of the IPFS-family tooling chunktree's
// storage backends interoperate with.
func Build[N any](data []byte, leaf LeafFunc[N], merge MergeFunc[N]) (N, error) {
	var zero N
	if len(data) <= digest.ChunkSize {
		return leaf(data)
	}

	chunks, err := splitChunks(data)
	if err != nil {
		return zero, err
	}

	nodes := make([]N, len(chunks))
	for i, c := range chunks {
		n, err := leaf(c)
		if err != nil {
			return zero, err
		}
		nodes[i] = n
	}

	return buildBalanced(nodes, merge)
}

// buildBalanced recursively splits nodes in half — left gets ⌊N/2⌋ leaves,
// right gets ⌈N/2⌉ — and merges the two halves' roots, per spec.md §3's
// balancing rule. Since H_combine is asymmetric (spec.md §4.1), this must
// match the original implementation's half-split recursion exactly rather
// than an iterative front-to-back pairwise fold: for 3 leaves the correct
// root is combine(L0, combine(L1,L2)), not combine(combine(L0,L1), L2).
func buildBalanced[N any](nodes []N, merge MergeFunc[N]) (N, error) {
	var zero N
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	mid := len(nodes) / 2
	left, err := buildBalanced(nodes[:mid], merge)
	if err != nil {
		return zero, err
	}
	right, err := buildBalanced(nodes[mid:], merge)
	if err != nil {
		return zero, err
	}
	return merge(left, right)
}

// splitChunks slices data into contiguous digest.ChunkSize pieces (the
// last possibly shorter) using go-ipfs-chunker's NewSizeSplitter.
func splitChunks(data []byte) ([][]byte, error) {
	splitter := chunker.NewSizeSplitter(bytes.NewReader(data), int64(digest.ChunkSize))
	var chunks [][]byte
	for {
		b, err := splitter.NextBytes()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		chunks = append(chunks, cp)
	}
	return chunks, nil
}

// BuildTree builds a Node tree directly. The empty blob is represented by
// a single zero-byte Stored node (spec.md §8's Open Question 3, resolved
// per §9: "this spec mandates the single zero-byte leaf representation").
//
// Identical subtrees (e.g. a run of identical chunks) are memoized by
// digest as they're produced, so that repeated content shares one Node
// value instead of allocating a duplicate per occurrence — the in-process
// half of the dedup spec.md §2/§8 describes; the storage-level half (one
// physical chunk write per digest) lives in the storage backends.
func BuildTree(data []byte) (Node, error) {
	start := time.Now()
	bucket := "small"
	if len(data) > largeBuildThreshold {
		bucket = "large"
	}
	defer metrics.ObserveTreeBuild(start, bucket)

	seen := make(map[digest.Digest]Node)
	intern := func(n Node) Node {
		if cached, ok := seen[n.digest]; ok {
			return cached
		}
		seen[n.digest] = n
		return n
	}

	leaf := func(b []byte) (Node, error) {
		n, err := NewStored(b)
		if err != nil {
			return Node{}, err
		}
		return intern(n), nil
	}
	merge := func(l, r Node) (Node, error) {
		return intern(NewParent(l, r)), nil
	}
	return Build(data, leaf, merge)
}
