package chunktree

import (
	"bytes"
	"testing"

	"github.com/chunktree/chunktree/digest"
)

func TestNewStoredRejectsOversizedChunk(t *testing.T) {
	b := make([]byte, digest.ChunkSize+1)
	if _, err := NewStored(b); err == nil {
		t.Fatal("NewStored accepted a chunk larger than ChunkSize")
	}
}

func TestNewStoredEmptyBlob(t *testing.T) {
	n, err := NewStored(nil)
	if err != nil {
		t.Fatalf("NewStored(nil): %v", err)
	}
	if n.Kind() != KindStored {
		t.Fatalf("Kind() = %v, want Stored", n.Kind())
	}
	if n.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", n.Size())
	}
}

func TestNewParentDigestAndSize(t *testing.T) {
	l, _ := NewStored([]byte("left"))
	r, _ := NewStored([]byte("right"))
	p := NewParent(l, r)

	if p.Kind() != KindParent {
		t.Fatalf("Kind() = %v, want Parent", p.Kind())
	}
	if p.Size() != l.Size()+r.Size() {
		t.Fatalf("Size() = %d, want %d", p.Size(), l.Size()+r.Size())
	}
	if p.Digest() != digest.Combine(l.Digest(), r.Digest()) {
		t.Fatal("Parent digest does not match digest.Combine(left, right)")
	}

	gotLeft, gotRight, ok := p.Children()
	if !ok {
		t.Fatal("Children() ok = false for a Parent node")
	}
	if gotLeft.Digest() != l.Digest() || gotRight.Digest() != r.Digest() {
		t.Fatal("Children() returned mismatched left/right")
	}
}

func TestChildrenNotOKForNonParent(t *testing.T) {
	l, _ := NewStored([]byte("x"))
	if _, _, ok := l.Children(); ok {
		t.Fatal("Children() ok = true for a Stored node")
	}
}

func TestStoredBytesNotOKForNonStored(t *testing.T) {
	l, _ := NewStored([]byte("a"))
	r, _ := NewStored([]byte("b"))
	p := NewParent(l, r)
	if _, ok := p.StoredBytes(); ok {
		t.Fatal("StoredBytes() ok = true for a Parent node")
	}
}

func TestIsCompleteDetectsSkipped(t *testing.T) {
	l, _ := NewStored([]byte("left"))
	r, _ := NewStored([]byte("right"))
	p := NewParent(l, r)
	if !p.IsComplete() {
		t.Fatal("fully-Stored tree reported incomplete")
	}

	skip := NewSkipped(r.Digest(), r.Size())
	partial := NewParent(l, skip)
	if partial.IsComplete() {
		t.Fatal("tree containing a Skipped node reported complete")
	}
}

func TestCloneBytesReproducesOriginal(t *testing.T) {
	data := make([]byte, digest.ChunkSize*3+17)
	for i := range data {
		data[i] = byte(i % 131)
	}
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	got, err := root.CloneBytes()
	if err != nil {
		t.Fatalf("CloneBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("CloneBytes did not reproduce the original blob")
	}
}

func TestCloneBytesFailsThroughSkipped(t *testing.T) {
	l, _ := NewStored([]byte("left"))
	r, _ := NewStored([]byte("right"))
	skip := NewSkipped(r.Digest(), r.Size())
	p := NewParent(l, skip)
	if _, err := p.CloneBytes(); err == nil {
		t.Fatal("CloneBytes succeeded through a Skipped subtree")
	}
}

func TestFlattenLeavesPreservesDuplicates(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, digest.ChunkSize*4)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	leaves := root.FlattenLeaves()
	if len(leaves) != 4 {
		t.Fatalf("FlattenLeaves returned %d entries, want 4 (duplicates preserved)", len(leaves))
	}
	for _, d := range leaves {
		if d != leaves[0] {
			t.Fatal("FlattenLeaves entries for identical chunks differ")
		}
	}
}

func TestFlattenStoredLeavesOneEntryPerOccurrence(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, digest.ChunkSize*4)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	leaves := root.FlattenStoredLeaves()
	if len(leaves) != 4 {
		t.Fatalf("FlattenStoredLeaves returned %d nodes, want 4", len(leaves))
	}
	for _, n := range leaves {
		if n.Kind() != KindStored {
			t.Fatal("FlattenStoredLeaves returned a non-Stored node")
		}
	}
}

func TestAllDigestsDeduplicatesSharedSubtrees(t *testing.T) {
	data := bytes.Repeat([]byte{0x77}, digest.ChunkSize*4)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	all := root.AllDigests()
	// 4 identical leaves interned to one digest, plus at most two distinct
	// Parent digests along the way (the balanced merge of 4 equal leaves
	// produces at most two distinct internal digests) — well under 4+3.
	if len(all) > 3 {
		t.Fatalf("AllDigests returned %d distinct digests for a fully-duplicated tree, want <= 3", len(all))
	}
	if _, ok := all[root.Digest()]; !ok {
		t.Fatal("AllDigests does not include the root's own digest")
	}
}

func TestAllDigestsWithSizesMatchesAllDigests(t *testing.T) {
	data := make([]byte, digest.ChunkSize*3+5)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	withSizes := root.AllDigestsWithSizes()
	plain := root.AllDigests()
	if len(withSizes) != len(plain) {
		t.Fatalf("AllDigestsWithSizes has %d entries, AllDigests has %d", len(withSizes), len(plain))
	}
	if withSizes[root.Digest()] != root.Size() {
		t.Fatalf("AllDigestsWithSizes[root] = %d, want %d", withSizes[root.Digest()], root.Size())
	}
}

func TestFlattenIterYieldsOriginalBytes(t *testing.T) {
	data := make([]byte, digest.ChunkSize*2+9)
	for i := range data {
		data[i] = byte(i)
	}
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	var buf bytes.Buffer
	root.FlattenIter(func(b []byte) bool {
		buf.Write(b)
		return true
	})
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("FlattenIter did not reproduce the original bytes")
	}
}

func TestFlattenIterStopsEarly(t *testing.T) {
	data := make([]byte, digest.ChunkSize*4)
	root, err := BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	calls := 0
	root.FlattenIter(func(b []byte) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("FlattenIter invoked yield %d times after a false return, want 1", calls)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindStored:  "stored",
		KindParent:  "parent",
		KindSkipped: "skipped",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
