package item

import (
	"bytes"
	"testing"
	"time"

	"github.com/chunktree/chunktree"
	"github.com/chunktree/chunktree/digest"
)

func TestNewItemRejectsEmptyName(t *testing.T) {
	root, _ := chunktree.NewStored([]byte("x"))
	if _, err := NewItem("", "/p", 1, "", root, time.Unix(0, 0)); err == nil {
		t.Fatal("NewItem accepted an empty name")
	}
}

func TestNewItemRejectsEmptyPath(t *testing.T) {
	root, _ := chunktree.NewStored([]byte("x"))
	if _, err := NewItem("name", "", 1, "", root, time.Unix(0, 0)); err == nil {
		t.Fatal("NewItem accepted an empty path")
	}
}

func TestNewItemPopulatesLeavesAndNodes(t *testing.T) {
	data := make([]byte, digest.ChunkSize*3+11)
	for i := range data {
		data[i] = byte(i % 211)
	}
	root, err := chunktree.BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	it, err := NewItem("name", "/p.bin", 3, "a description", root, now)
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}

	if it.RootDigest != root.Digest() || it.RootSize != root.Size() {
		t.Fatal("Item root digest/size does not match the built tree")
	}
	if len(it.Leaves) != len(root.FlattenLeaves()) {
		t.Fatalf("len(Leaves) = %d, want %d", len(it.Leaves), len(root.FlattenLeaves()))
	}
	if len(it.Nodes) != len(root.AllDigests()) {
		t.Fatalf("len(Nodes) = %d, want %d", len(it.Nodes), len(root.AllDigests()))
	}
	if !it.Created.Equal(now) || !it.Updated.Equal(now) {
		t.Fatal("Created/Updated not set to the provided timestamp")
	}
	if it.CreatorVersion != CreatorVersion {
		t.Fatalf("CreatorVersion = %q, want %q", it.CreatorVersion, CreatorVersion)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := make([]byte, digest.ChunkSize*2+5)
	root, err := chunktree.BuildTree(data)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	now := time.Unix(1700000001, 0).UTC()
	it, err := NewItem("thing", "/a/b/thing.bin", 7, "desc", root, now)
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, it); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Name != it.Name || got.Path != it.Path || got.Revision != it.Revision || got.Description != it.Description {
		t.Fatal("decoded scalar fields do not match original")
	}
	if got.RootDigest != it.RootDigest || got.RootSize != it.RootSize {
		t.Fatal("decoded root digest/size does not match original")
	}
	if len(got.Leaves) != len(it.Leaves) {
		t.Fatalf("decoded Leaves len = %d, want %d", len(got.Leaves), len(it.Leaves))
	}
	for i := range it.Leaves {
		if got.Leaves[i] != it.Leaves[i] {
			t.Fatalf("leaf %d mismatch: got %+v, want %+v", i, got.Leaves[i], it.Leaves[i])
		}
	}
	if len(got.Nodes) != len(it.Nodes) {
		t.Fatalf("decoded Nodes len = %d, want %d", len(got.Nodes), len(it.Nodes))
	}
	if !got.Created.Equal(it.Created) || !got.Updated.Equal(it.Updated) {
		t.Fatal("decoded timestamps do not match original")
	}
	if got.CreatorVersion != it.CreatorVersion {
		t.Fatal("decoded CreatorVersion does not match original")
	}
}

func TestDecodeRejectsWrongFormatVersion(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte{0xFF})); err == nil {
		t.Fatal("Decode accepted an unsupported format version")
	}
}

func TestBytesFromBytesRoundTrip(t *testing.T) {
	root, _ := chunktree.NewStored([]byte("small"))
	it, err := NewItem("n", "/p", 1, "", root, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}

	b, err := Bytes(it)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	got, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got.RootDigest != it.RootDigest {
		t.Fatal("FromBytes(Bytes(it)) round trip lost the root digest")
	}
}

func TestEncodeDecodeEmptyLeavesAndNodes(t *testing.T) {
	root, _ := chunktree.NewStored(nil)
	it, err := NewItem("empty", "/e", 1, "", root, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}
	if len(it.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1 for a single-leaf empty blob", len(it.Nodes))
	}

	var buf bytes.Buffer
	if err := Encode(&buf, it); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Leaves) != 1 || got.Leaves[0].Size != 0 {
		t.Fatal("decoded empty-blob item does not carry its single zero-size leaf")
	}
}
