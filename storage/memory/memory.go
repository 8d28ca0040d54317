// Package memory implements chunktree's in-memory storage backend
// (spec.md §4.4.3): every node lives in a single digest-keyed map guarded
// by a reader-writer lock.
//
// The map and its lock are not hand-rolled: they are
// sync.MutexWrap(ds.NewMapDatastore()) from github.com/ipfs/go-datastore,
// the same "coarse RWMutex around a plain map" the teacher's blob
// descriptor cache (registry/storage/cache/memory) reaches for, just
// generalized from one package's ARC cache to this package's plain map.
// Nodes round-trip through the same compact wire codec the stream package
// uses for transport (chunktree.EncodeNode/DecodeNode), so a Parent is
// stored as a reference to its children and hydrated back into a full
// subtree lazily on Get — re-deriving the Parent's digest from its
// (already persisted) children as a cheap integrity check on every read.
package memory

import (
	"context"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/chunktree/chunktree"
	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/errs"
	"github.com/chunktree/chunktree/internal/dcontext"
	"github.com/chunktree/chunktree/internal/metrics"
	"github.com/chunktree/chunktree/item"
	"github.com/chunktree/chunktree/storage"
	"github.com/chunktree/chunktree/storage/storagebase"
)

var _ storage.Backend = (*Backend)(nil)

const backendLabel = "memory"

// Backend is the in-memory storage backend.
type Backend struct {
	store ds.Datastore

	mu    sync.RWMutex
	items map[string]*item.Item // keyed by Path
}

// New constructs an empty in-memory backend.
func New() *Backend {
	return &Backend{
		store: dssync.MutexWrap(ds.NewMapDatastore()),
		items: make(map[string]*item.Item),
	}
}

func keyFor(d digest.Digest) ds.Key {
	return ds.NewKey("/" + d.String())
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, d digest.Digest) (chunktree.Node, bool, error) {
	raw, err := b.store.Get(ctx, keyFor(d))
	if err == ds.ErrNotFound {
		return chunktree.Node{}, false, nil
	}
	if err != nil {
		return chunktree.Node{}, false, err
	}

	n, err := storagebase.DecodeStoredValue(raw)
	if err != nil {
		return chunktree.Node{}, false, err
	}

	if n.Kind() != chunktree.KindParent {
		return n, true, nil
	}
	return b.hydrateParent(ctx, d, n)
}

// hydrateParent resolves a Parent's Skipped-reference children (the shape
// they're stored in) into real subtrees by recursive Get, then recombines
// and checks the result still hashes to d.
func (b *Backend) hydrateParent(ctx context.Context, d digest.Digest, shell chunktree.Node) (chunktree.Node, bool, error) {
	leftRef, rightRef, _ := shell.Children()
	left, ok, err := b.Get(ctx, leftRef.Digest())
	if err != nil {
		return chunktree.Node{}, false, err
	}
	if !ok {
		return chunktree.Node{}, false, errs.MissingDataError{Digest: leftRef.Digest()}
	}
	right, ok, err := b.Get(ctx, rightRef.Digest())
	if err != nil {
		return chunktree.Node{}, false, err
	}
	if !ok {
		return chunktree.Node{}, false, errs.MissingDataError{Digest: rightRef.Digest()}
	}

	full := chunktree.NewParent(left, right)
	if full.Digest() != d {
		return chunktree.Node{}, false, errs.IntegrityError{Digest: d, Reason: "recombined children do not reproduce the stored parent digest"}
	}
	return full, true, nil
}

// StoreLeaf implements storage.Backend.
func (b *Backend) StoreLeaf(ctx context.Context, d digest.Digest, data []byte) (chunktree.Node, error) {
	n, err := chunktree.NewStored(data)
	if err != nil {
		return chunktree.Node{}, err
	}
	if n.Digest() != d {
		return chunktree.Node{}, errs.ChunkInsertError{Digest: d, Reason: "bytes do not hash to the requested digest"}
	}

	if already, err := b.store.Has(ctx, keyFor(d)); err == nil && already {
		dcontext.GetLogger(ctx).WithField("digest", d).Debug("memory: chunk already stored, deduplicating")
		metrics.BytesDeduplicated.WithLabelValues(backendLabel).Add(float64(n.Size()))
		return n, nil
	}

	raw, err := storagebase.EncodeStoredValue(n)
	if err != nil {
		return chunktree.Node{}, err
	}
	if err := b.store.Put(ctx, keyFor(d), raw); err != nil {
		return chunktree.Node{}, errs.ChunkInsertError{Digest: d, Reason: err.Error()}
	}
	metrics.ChunksStored.WithLabelValues(backendLabel).Inc()
	return n, nil
}

// StoreLink implements storage.Backend.
func (b *Backend) StoreLink(ctx context.Context, d digest.Digest, left, right chunktree.Node) (chunktree.Node, error) {
	full := chunktree.NewParent(left, right)
	if full.Digest() != d {
		return chunktree.Node{}, errs.LinkCreationError{Digest: d, Reason: "children do not combine to the requested digest"}
	}
	raw, err := storagebase.EncodeStoredValue(full)
	if err != nil {
		return chunktree.Node{}, err
	}
	if err := b.store.Put(ctx, keyFor(d), raw); err != nil {
		return chunktree.Node{}, errs.LinkCreationError{Digest: d, Reason: err.Error()}
	}
	return full, nil
}

// Chunks implements storage.Backend.
func (b *Backend) Chunks(ctx context.Context) ([]digest.Digest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[digest.Digest]struct{})
	var out []digest.Digest
	for _, it := range b.items {
		for _, l := range it.Leaves {
			if _, ok := seen[l.Digest]; ok {
				continue
			}
			seen[l.Digest] = struct{}{}
			out = append(out, l.Digest)
		}
	}
	return out, nil
}

// Size implements storage.Backend.
func (b *Backend) Size(ctx context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[digest.Digest]struct{})
	var total uint64
	for _, it := range b.items {
		for _, l := range it.Leaves {
			if _, ok := seen[l.Digest]; ok {
				continue
			}
			seen[l.Digest] = struct{}{}
			total += l.Size
		}
	}
	return total, nil
}

// CreateItem implements storage.Backend.
func (b *Backend) CreateItem(ctx context.Context, name, path string, revision uint32, description string, data []byte) (*item.Item, error) {
	log := dcontext.GetLoggerWithField(ctx, "path", path)
	root, err := chunktree.BuildTree(data)
	if err != nil {
		return nil, err
	}
	if err := storagebase.StoreTree(ctx, b, root); err != nil {
		log.WithError(err).Error("memory: failed to store built tree")
		return nil, err
	}
	log.WithField("digest", root.Digest()).Info("memory: item created")
	return b.BuildItem(ctx, name, path, revision, description, root)
}

// BuildItem implements storage.Backend.
func (b *Backend) BuildItem(ctx context.Context, name, path string, revision uint32, description string, root chunktree.Node) (*item.Item, error) {
	it, err := item.NewItem(name, path, revision, description, root, time.Now())
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.items[path] = it
	b.mu.Unlock()
	return it, nil
}

// NextRevision implements storage.Backend.
func (b *Backend) NextRevision(ctx context.Context, path string) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[path]
	if !ok {
		return 0, nil
	}
	return it.Revision + 1, nil
}

// ReceiveItem implements storage.Backend.
func (b *Backend) ReceiveItem(ctx context.Context, name, path string, revision uint32, description string, wantRoot digest.Digest, nodes <-chan chunktree.Node) (*item.Item, error) {
	root, err := storagebase.ReceiveTree(ctx, b, wantRoot, nodes)
	if err != nil {
		dcontext.GetLogger(ctx).WithField("path", path).WithError(err).Error("memory: failed to receive streamed tree")
		return nil, err
	}
	dcontext.GetLoggerWithField(ctx, "path", path).WithField("digest", wantRoot).Info("memory: item received")
	return b.BuildItem(ctx, name, path, revision, description, *root)
}
