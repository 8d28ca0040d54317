// Package storage defines the common contract every chunk storage backend
// implements (spec.md §4.4): in-memory, in-file, and embedded key-value.
package storage

import (
	"context"

	"github.com/chunktree/chunktree"
	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/item"
)

// Backend is the contract shared by every storage variant. All operations
// are fallible; none panic on a recoverable condition (spec.md §7).
type Backend interface {
	// Get returns the node stored under digest d, which may be a Stored
	// leaf or a Parent link. ok is false if d is unknown to this backend.
	Get(ctx context.Context, d digest.Digest) (node chunktree.Node, ok bool, err error)

	// StoreLeaf persists a chunk's bytes under its digest.
	StoreLeaf(ctx context.Context, d digest.Digest, b []byte) (chunktree.Node, error)

	// StoreLink records a Parent combining two already-known children.
	StoreLink(ctx context.Context, d digest.Digest, left, right chunktree.Node) (chunktree.Node, error)

	// Chunks returns every distinct leaf digest known to this backend.
	Chunks(ctx context.Context) ([]digest.Digest, error)

	// Size returns the sum of leaf byte counts actually stored.
	Size(ctx context.Context) (uint64, error)

	// CreateItem ingests bytes end to end: build the tree, store every
	// node, register and persist the resulting Item.
	CreateItem(ctx context.Context, name, path string, revision uint32, description string, data []byte) (*item.Item, error)

	// BuildItem registers an already-built tree without re-hashing it.
	// The caller is responsible for having stored every node in root via
	// StoreLeaf/StoreLink beforehand (CreateItem does this internally).
	BuildItem(ctx context.Context, name, path string, revision uint32, description string, root chunktree.Node) (*item.Item, error)

	// ReceiveItem ingests a streamed, possibly-pruned tree (the receiving
	// side of the diff/transfer protocol, spec.md §4.6). It fails if the
	// stream ends with an incomplete tree or a root digest mismatching
	// wantRoot.
	ReceiveItem(ctx context.Context, name, path string, revision uint32, description string, wantRoot digest.Digest, nodes <-chan chunktree.Node) (*item.Item, error)

	// NextRevision reports the revision number a caller should pass to
	// CreateItem/ReceiveItem for path: 0 if path has no registered Item yet,
	// or one past the currently registered Item's revision otherwise. This
	// spares a caller from tracking revisions itself across repeated
	// create/receive calls against the same path.
	NextRevision(ctx context.Context, path string) (uint32, error)
}
