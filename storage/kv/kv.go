// Package kv implements chunktree's embedded key-value storage backend
// (spec.md §4.4.2) over github.com/dgraph-io/badger/v3, using two logical
// keyspaces within one database: "chunks/" for Stored leaves and "links/"
// for Parent reference shells. A third, "items/", holds the registered
// Item metadata a caller looks items up by path with.
package kv

import (
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	blocks "github.com/ipfs/go-block-format"

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

const backendLabel = "kv"

var (
	chunkPrefix = []byte("chunks/")
	linkPrefix  = []byte("links/")
	itemPrefix  = []byte("items/")
)

func chunkKey(d digest.Digest) []byte { return append(append([]byte{}, chunkPrefix...), d.Bytes()...) }
func linkKey(d digest.Digest) []byte  { return append(append([]byte{}, linkPrefix...), d.Bytes()...) }
func itemKey(path string) []byte      { return append(append([]byte{}, itemPrefix...), []byte(path)...) }

// Backend is the embedded key-value storage backend.
type Backend struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database rooted at dir.
func Open(dir string) (*Backend, error) {
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.IOError{Path: dir, Err: err}
	}
	dcontext.GetLoggerWithField(context.Background(), "dir", dir).Info("kv: database opened")
	return &Backend{db: db}, nil
}

// Close releases the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, d digest.Digest) (chunktree.Node, bool, error) {
	var raw []byte
	var isLink bool

	err := b.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(linkKey(d))
		switch err {
		case nil:
			isLink = true
			raw, err = it.ValueCopy(nil)
			return err
		case badger.ErrKeyNotFound:
			// fall through to the chunk keyspace
		default:
			return err
		}

		it, err = txn.Get(chunkKey(d))
		switch err {
		case nil:
			raw, err = it.ValueCopy(nil)
			return err
		case badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return chunktree.Node{}, false, err
	}
	if raw == nil {
		return chunktree.Node{}, false, nil
	}

	n, err := storagebase.DecodeStoredValue(raw)
	if err != nil {
		return chunktree.Node{}, false, err
	}
	if isLink && n.Kind() == chunktree.KindParent {
		return b.hydrateParent(ctx, d, n)
	}
	return n, true, nil
}

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
	var alreadyStored bool
	err = b.db.View(func(txn *badger.Txn) error {
		_, getErr := txn.Get(chunkKey(d))
		alreadyStored = getErr == nil
		return nil
	})
	if err == nil && alreadyStored {
		dcontext.GetLogger(ctx).WithField("digest", d).Debug("kv: chunk already stored, deduplicating")
		metrics.BytesDeduplicated.WithLabelValues(backendLabel).Add(float64(n.Size()))
		return n, nil
	}

	if _, err := asBlock(d, data); err != nil {
		return chunktree.Node{}, errs.ChunkInsertError{Digest: d, Reason: err.Error()}
	}

	raw, err := storagebase.EncodeStoredValue(n)
	if err != nil {
		return chunktree.Node{}, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(d), raw)
	})
	if err != nil {
		return chunktree.Node{}, errs.ChunkInsertError{Digest: d, Reason: err.Error()}
	}
	metrics.ChunksStored.WithLabelValues(backendLabel).Inc()
	return n, nil
}

// asBlock wraps data as an IPLD-family blocks.Block keyed by d's CID. It
// is never persisted — the wire codec already owns the on-disk layout —
// but building it catches a malformed digest/CID pairing before a bad
// chunk reaches Badger, and gives diagnostics a block handle that other
// go-ipfs-family tooling can consume directly.
func asBlock(d digest.Digest, data []byte) (blocks.Block, error) {
	c, err := d.CID()
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
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
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(linkKey(d), raw)
	})
	if err != nil {
		return chunktree.Node{}, errs.LinkCreationError{Digest: d, Reason: err.Error()}
	}
	return full, nil
}

func (b *Backend) listItems(ctx context.Context) ([]*item.Item, error) {
	var items []*item.Item
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = itemPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(itemPrefix); it.ValidForPrefix(itemPrefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			parsed, err := item.FromBytes(raw)
			if err != nil {
				return err
			}
			items = append(items, parsed)
		}
		return nil
	})
	return items, err
}

// Chunks implements storage.Backend.
func (b *Backend) Chunks(ctx context.Context) ([]digest.Digest, error) {
	items, err := b.listItems(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[digest.Digest]struct{})
	var out []digest.Digest
	for _, it := range items {
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
	items, err := b.listItems(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[digest.Digest]struct{})
	var total uint64
	for _, it := range items {
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

func (b *Backend) putItem(it *item.Item) error {
	raw, err := item.Bytes(it)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(it.Path), raw)
	})
}

// CreateItem implements storage.Backend.
func (b *Backend) CreateItem(ctx context.Context, name, path string, revision uint32, description string, data []byte) (*item.Item, error) {
	log := dcontext.GetLoggerWithField(ctx, "path", path)
	root, err := chunktree.BuildTree(data)
	if err != nil {
		return nil, err
	}
	if err := storagebase.StoreTree(ctx, b, root); err != nil {
		log.WithError(err).Error("kv: failed to store built tree")
		return nil, err
	}
	log.WithField("digest", root.Digest()).Info("kv: item created")
	return b.BuildItem(ctx, name, path, revision, description, root)
}

// BuildItem implements storage.Backend.
func (b *Backend) BuildItem(ctx context.Context, name, path string, revision uint32, description string, root chunktree.Node) (*item.Item, error) {
	it, err := item.NewItem(name, path, revision, description, root, time.Now())
	if err != nil {
		return nil, err
	}
	if err := b.putItem(it); err != nil {
		return nil, err
	}
	return it, nil
}

// NextRevision implements storage.Backend.
func (b *Backend) NextRevision(ctx context.Context, path string) (uint32, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(itemKey(path))
		switch err {
		case nil:
			raw, err = it.ValueCopy(nil)
			return err
		case badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	existing, err := item.FromBytes(raw)
	if err != nil {
		return 0, err
	}
	return existing.Revision + 1, nil
}

// ReceiveItem implements storage.Backend.
func (b *Backend) ReceiveItem(ctx context.Context, name, path string, revision uint32, description string, wantRoot digest.Digest, nodes <-chan chunktree.Node) (*item.Item, error) {
	root, err := storagebase.ReceiveTree(ctx, b, wantRoot, nodes)
	if err != nil {
		dcontext.GetLogger(ctx).WithField("path", path).WithError(err).Error("kv: failed to receive streamed tree")
		return nil, err
	}
	dcontext.GetLoggerWithField(ctx, "path", path).WithField("digest", wantRoot).Info("kv: item received")
	return b.BuildItem(ctx, name, path, revision, description, *root)
}
