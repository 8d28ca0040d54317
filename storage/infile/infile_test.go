package infile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chunktree/chunktree/storage"
	"github.com/chunktree/chunktree/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		dir := t.TempDir()
		b, err := New(filepath.Join(dir, "root"), filepath.Join(dir, "index"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestReloadResolvesPersistedLinks(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	idx := filepath.Join(dir, "index")

	data := make([]byte, 1024*5+3)
	for i := range data {
		data[i] = byte(i % 7)
	}

	b, err := New(root, idx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	it, err := b.CreateItem(context.Background(), "f", "/f.bin", 1, "", data)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(root, idx)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Get(context.Background(), it.RootDigest)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if !ok {
		t.Fatal("Get after reload: not found")
	}
	if !got.IsComplete() {
		t.Fatal("reloaded tree is not complete")
	}
}
