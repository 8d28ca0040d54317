// Package storagetest is a conformance suite every storage.Backend
// implementation is expected to pass, mirroring how the teacher's
// registry/storage/driver/testsuites package runs one shared suite
// against every storagedriver.StorageDriver implementation instead of
// duplicating the same assertions per backend.
package storagetest

import (
	"bytes"
	"context"
	"testing"

	"github.com/chunktree/chunktree"
	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/storage"
)

// Factory constructs a fresh, empty backend for a single (sub)test. Each
// call must return an independent backend so tests can run in parallel.
type Factory func(t *testing.T) storage.Backend

// Run executes the full conformance suite against the backend new
// produces, as t.Run subtests.
func Run(t *testing.T, newBackend Factory) {
	t.Run("RoundTripSmallBlob", func(t *testing.T) { testRoundTripSmallBlob(t, newBackend) })
	t.Run("RoundTripMultiChunkBlob", func(t *testing.T) { testRoundTripMultiChunkBlob(t, newBackend) })
	t.Run("EmptyBlob", func(t *testing.T) { testEmptyBlob(t, newBackend) })
	t.Run("GetUnknownDigest", func(t *testing.T) { testGetUnknownDigest(t, newBackend) })
	t.Run("DeduplicatesRepeatedChunks", func(t *testing.T) { testDeduplicatesRepeatedChunks(t, newBackend) })
	t.Run("DiffAndReceive", func(t *testing.T) { testDiffAndReceive(t, newBackend) })
	t.Run("NextRevision", func(t *testing.T) { testNextRevision(t, newBackend) })
}

func testRoundTripSmallBlob(t *testing.T, newBackend Factory) {
	b := newBackend(t)
	ctx := context.Background()

	data := []byte("hello, chunktree")
	it, err := b.CreateItem(ctx, "greeting", "/greeting.txt", 1, "", data)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	root, ok, err := b.Get(ctx, it.RootDigest)
	if err != nil {
		t.Fatalf("Get(root): %v", err)
	}
	if !ok {
		t.Fatal("Get(root): not found")
	}

	got, err := root.CloneBytes()
	if err != nil {
		t.Fatalf("CloneBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped bytes = %q, want %q", got, data)
	}
}

func testRoundTripMultiChunkBlob(t *testing.T, newBackend Factory) {
	b := newBackend(t)
	ctx := context.Background()

	data := make([]byte, digest.ChunkSize*5+37)
	for i := range data {
		data[i] = byte(i % 251)
	}

	it, err := b.CreateItem(ctx, "blob", "/blob.bin", 1, "", data)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if it.RootSize != uint64(len(data)) {
		t.Fatalf("RootSize = %d, want %d", it.RootSize, len(data))
	}

	root, ok, err := b.Get(ctx, it.RootDigest)
	if err != nil || !ok {
		t.Fatalf("Get(root) = ok=%v, err=%v", ok, err)
	}
	if !root.IsComplete() {
		t.Fatal("reconstructed root is not complete")
	}

	got, err := root.CloneBytes()
	if err != nil {
		t.Fatalf("CloneBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped bytes do not match original")
	}
}

func testEmptyBlob(t *testing.T, newBackend Factory) {
	b := newBackend(t)
	ctx := context.Background()

	it, err := b.CreateItem(ctx, "empty", "/empty.bin", 1, "", nil)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if it.RootSize != 0 {
		t.Fatalf("RootSize = %d, want 0", it.RootSize)
	}

	root, ok, err := b.Get(ctx, it.RootDigest)
	if err != nil || !ok {
		t.Fatalf("Get(root) = ok=%v, err=%v", ok, err)
	}
	if root.Kind() != chunktree.KindStored {
		t.Fatalf("empty blob root kind = %v, want Stored", root.Kind())
	}
}

func testGetUnknownDigest(t *testing.T, newBackend Factory) {
	b := newBackend(t)
	ctx := context.Background()

	unknown := digest.Leaf([]byte("never stored"))
	_, ok, err := b.Get(ctx, unknown)
	if err != nil {
		t.Fatalf("Get(unknown): %v", err)
	}
	if ok {
		t.Fatal("Get(unknown) reported ok=true for a digest never stored")
	}
}

func testDeduplicatesRepeatedChunks(t *testing.T, newBackend Factory) {
	b := newBackend(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAB}, digest.ChunkSize*4)
	it, err := b.CreateItem(ctx, "repeated", "/repeated.bin", 1, "", data)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	size, err := b.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	// Every chunk is identical, so the distinct-chunk byte total must be
	// exactly one chunk's worth, never four.
	if size != digest.ChunkSize {
		t.Fatalf("Size() = %d, want %d (deduplicated)", size, digest.ChunkSize)
	}

	chunks, err := b.Chunks(ctx)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Chunks() returned %d distinct digests, want 1", len(chunks))
	}

	root, ok, err := b.Get(ctx, it.RootDigest)
	if err != nil || !ok {
		t.Fatalf("Get(root) = ok=%v, err=%v", ok, err)
	}
	got, err := root.CloneBytes()
	if err != nil {
		t.Fatalf("CloneBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped bytes do not match original despite dedup")
	}
}

func testNextRevision(t *testing.T, newBackend Factory) {
	b := newBackend(t)
	ctx := context.Background()

	rev, err := b.NextRevision(ctx, "/revisioned.bin")
	if err != nil {
		t.Fatalf("NextRevision(unknown path): %v", err)
	}
	if rev != 0 {
		t.Fatalf("NextRevision(unknown path) = %d, want 0", rev)
	}

	if _, err := b.CreateItem(ctx, "revisioned", "/revisioned.bin", rev, "", []byte("v0")); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	rev, err = b.NextRevision(ctx, "/revisioned.bin")
	if err != nil {
		t.Fatalf("NextRevision(after create): %v", err)
	}
	if rev != 1 {
		t.Fatalf("NextRevision(after create) = %d, want 1", rev)
	}

	if _, err := b.CreateItem(ctx, "revisioned", "/revisioned.bin", rev, "", []byte("v1, longer than before")); err != nil {
		t.Fatalf("CreateItem (second revision): %v", err)
	}
	rev, err = b.NextRevision(ctx, "/revisioned.bin")
	if err != nil {
		t.Fatalf("NextRevision(after second create): %v", err)
	}
	if rev != 2 {
		t.Fatalf("NextRevision(after second create) = %d, want 2", rev)
	}
}

func testDiffAndReceive(t *testing.T, newBackend Factory) {
	sender := newBackend(t)
	receiver := newBackend(t)
	ctx := context.Background()

	base := bytes.Repeat([]byte{0x11}, digest.ChunkSize*3)
	baseItem, err := sender.CreateItem(ctx, "base", "/base.bin", 1, "", base)
	if err != nil {
		t.Fatalf("sender.CreateItem(base): %v", err)
	}
	if _, err := receiver.CreateItem(ctx, "base", "/base.bin", 1, "", base); err != nil {
		t.Fatalf("receiver.CreateItem(base): %v", err)
	}

	updated := append(append([]byte{}, base...), bytes.Repeat([]byte{0x22}, digest.ChunkSize*2)...)
	updatedItem, err := sender.CreateItem(ctx, "updated", "/updated.bin", 2, "", updated)
	if err != nil {
		t.Fatalf("sender.CreateItem(updated): %v", err)
	}

	root, ok, err := sender.Get(ctx, updatedItem.RootDigest)
	if err != nil || !ok {
		t.Fatalf("sender.Get(updatedRoot) = ok=%v, err=%v", ok, err)
	}

	held := chunktree.NewHeldSet([]digest.Digest{baseItem.RootDigest})
	nodes := chunktree.DiffStream(ctx, root, held)

	receivedItem, err := receiver.ReceiveItem(ctx, "updated", "/updated.bin", 2, "", updatedItem.RootDigest, nodes)
	if err != nil {
		t.Fatalf("receiver.ReceiveItem: %v", err)
	}
	if receivedItem.RootDigest != updatedItem.RootDigest {
		t.Fatalf("received root digest = %s, want %s", receivedItem.RootDigest, updatedItem.RootDigest)
	}

	receivedRoot, ok, err := receiver.Get(ctx, receivedItem.RootDigest)
	if err != nil || !ok {
		t.Fatalf("receiver.Get(receivedRoot) = ok=%v, err=%v", ok, err)
	}
	got, err := receivedRoot.CloneBytes()
	if err != nil {
		t.Fatalf("CloneBytes: %v", err)
	}
	if !bytes.Equal(got, updated) {
		t.Fatal("receiver's reconstructed bytes do not match sender's original")
	}
}
