package chunktree

import (
	"bytes"
	"context"
	"testing"

	"github.com/chunktree/chunktree/digest"
)

func TestFindDiffPrunesHeldLeaves(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, digest.ChunkSize*4)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	held := NewHeldSet(root.FlattenLeaves())
	pruned := FindDiff(root, held)
	if pruned.Kind() != KindSkipped {
		t.Fatalf("Kind() = %v, want Skipped when every leaf digest is held", pruned.Kind())
	}
	if pruned.Digest() != root.Digest() || pruned.Size() != root.Size() {
		t.Fatal("pruned placeholder does not preserve the original digest/size")
	}
}

func TestFindDiffKeepsUnheldLeaves(t *testing.T) {
	data := make([]byte, digest.ChunkSize*4)
	for i := range data {
		data[i] = byte(i)
	}
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	pruned := FindDiff(root, NewHeldSet(nil))
	if pruned.Digest() != root.Digest() {
		t.Fatal("pruning against an empty held set changed the tree's digest")
	}
	if !pruned.IsComplete() {
		t.Fatal("pruning against an empty held set produced an incomplete tree")
	}
}

func TestFindDiffPartialOverlap(t *testing.T) {
	base := bytes.Repeat([]byte{0x11}, digest.ChunkSize*2)
	baseRoot, err := BuildTree(base)
	if err != nil {
		t.Fatalf("BuildTree(base): %v", err)
	}

	updated := append(append([]byte{}, base...), bytes.Repeat([]byte{0x22}, digest.ChunkSize*2)...)
	updatedRoot, err := BuildTree(updated)
	if err != nil {
		t.Fatalf("BuildTree(updated): %v", err)
	}

	held := NewHeldSet(baseRoot.FlattenLeaves())
	pruned := FindDiff(updatedRoot, held)

	if pruned.Kind() == KindSkipped {
		t.Fatal("root fully collapsed to Skipped despite new content present")
	}
	var sawSkipped bool
	var walk func(n Node)
	walk = func(n Node) {
		if n.Kind() == KindSkipped {
			sawSkipped = true
			return
		}
		if l, r, ok := n.Children(); ok {
			walk(l)
			walk(r)
		}
	}
	walk(pruned)
	if !sawSkipped {
		t.Fatal("expected at least one Skipped subtree standing in for shared content")
	}
}

func TestDiffStreamEmitsShellsBeforeChildren(t *testing.T) {
	data := make([]byte, digest.ChunkSize*4)
	for i := range data {
		data[i] = byte(i)
	}
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	ctx := context.Background()
	nodes := DiffStream(ctx, root, NewHeldSet(nil))

	seen := make(map[digest.Digest]bool)
	referenced := make(map[digest.Digest]bool)
	first := true
	for n := range nodes {
		// Every node after the root must already have been referenced by
		// a Parent shell emitted earlier in the stream.
		if first {
			if n.Digest() != root.Digest() {
				t.Fatal("DiffStream did not start with the root")
			}
			first = false
		} else if !referenced[n.Digest()] {
			t.Fatalf("node %s emitted before any Parent shell referencing it", n.Digest())
		}
		if n.Kind() == KindParent {
			left, right, _ := n.Children()
			// Children emitted in a Parent shell must themselves be
			// Skipped references, per the wire shape DiffStream promises.
			if left.Kind() != KindSkipped || right.Kind() != KindSkipped {
				t.Fatal("Parent shell's children were not downgraded to Skipped references")
			}
			referenced[left.Digest()] = true
			referenced[right.Digest()] = true
		}
		seen[n.Digest()] = true
	}
	if !seen[root.Digest()] {
		t.Fatal("DiffStream never emitted the root digest")
	}
}

func TestDiffStreamReconstructsViaReceivedNodes(t *testing.T) {
	data := make([]byte, digest.ChunkSize*6+3)
	for i := range data {
		data[i] = byte(i % 97)
	}
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	ctx := context.Background()
	nodes := DiffStream(ctx, root, NewHeldSet(nil))

	byDigest := make(map[digest.Digest]Node)
	for n := range nodes {
		byDigest[n.Digest()] = n
	}

	var resolve func(d digest.Digest) Node
	resolve = func(d digest.Digest) Node {
		n := byDigest[d]
		if n.Kind() == KindParent {
			left, right, _ := n.Children()
			l := resolve(left.Digest())
			r := resolve(right.Digest())
			return NewParent(l, r)
		}
		return n
	}

	reconstructed := resolve(root.Digest())
	if reconstructed.Digest() != root.Digest() {
		t.Fatal("reconstructed tree digest does not match original root digest")
	}
	got, err := reconstructed.CloneBytes()
	if err != nil {
		t.Fatalf("CloneBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed bytes do not match original")
	}
}

func TestDiffStreamCancellation(t *testing.T) {
	data := make([]byte, digest.ChunkSize*8)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	nodes := DiffStream(ctx, root, NewHeldSet(nil))

	count := 0
	for range nodes {
		count++
	}
	if count > 1 {
		t.Fatalf("cancelled DiffStream emitted %d nodes, want at most 1 before stopping", count)
	}
}
