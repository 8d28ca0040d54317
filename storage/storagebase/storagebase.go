// Package storagebase holds the tree-walking helpers shared by every
// concrete storage.Backend: serializing a single node to the form a
// backend persists it in, storing a freshly built tree node by node, and
// reconstructing a tree from a stream of received nodes (the receiving
// side of the diff/transfer protocol, spec.md §4.6). Keeping this logic
// here instead of duplicating it in memory/infile/kv mirrors how the
// teacher's storage/driver package centralizes path and validation helpers
// that every storagedriver.StorageDriver implementation reuses.
package storagebase

import (
	"bytes"
	"context"

	"github.com/chunktree/chunktree"
	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/errs"
	"github.com/chunktree/chunktree/storage"
)

// EncodeStoredValue serializes n the way a backend persists it: a Stored
// leaf keeps its full bytes, a Parent keeps only its children's (digest,
// size) references. DecodeStoredValue is its inverse.
func EncodeStoredValue(n chunktree.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := chunktree.EncodeNode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeStoredValue is the inverse of EncodeStoredValue. A decoded Parent's
// children are Skipped reference placeholders; the caller resolves them
// (typically via a recursive Get on the owning backend).
func DecodeStoredValue(raw []byte) (chunktree.Node, error) {
	return chunktree.DecodeNode(bytes.NewReader(raw))
}

// StoreTree persists every node of a freshly built tree, children before
// parents, via the backend's StoreLeaf/StoreLink. It is a no-op on Skipped
// subtrees, since those carry nothing to store.
func StoreTree(ctx context.Context, b storage.Backend, n chunktree.Node) error {
	switch n.Kind() {
	case chunktree.KindStored:
		data, _ := n.StoredBytes()
		_, err := b.StoreLeaf(ctx, n.Digest(), data)
		return err

	case chunktree.KindParent:
		left, right, _ := n.Children()
		if err := StoreTree(ctx, b, left); err != nil {
			return err
		}
		if err := StoreTree(ctx, b, right); err != nil {
			return err
		}
		_, err := b.StoreLink(ctx, n.Digest(), left, right)
		return err

	default: // KindSkipped
		return nil
	}
}

// ReceiveTree drains nodes, buffering every node by digest, then resolves
// wantRoot against that buffer — falling back to the backend's own Get for
// any referenced digest the stream never carried, which is exactly what
// happens to a subtree the sender pruned because the receiver already held
// it (spec.md §4.6). The result is stored into b as it is resolved and
// checked for completeness and digest agreement with wantRoot before it is
// returned.
func ReceiveTree(ctx context.Context, b storage.Backend, wantRoot digest.Digest, nodes <-chan chunktree.Node) (*chunktree.Node, error) {
	received := make(map[digest.Digest]chunktree.Node)

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case n, ok := <-nodes:
			if !ok {
				break loop
			}
			received[n.Digest()] = n
		}
	}

	memo := make(map[digest.Digest]chunktree.Node)
	root, err := resolve(ctx, b, wantRoot, received, memo)
	if err != nil {
		return nil, err
	}
	if root.Digest() != wantRoot {
		return nil, errs.TreeReconstructError{Reason: "reconstructed root digest does not match the requested root"}
	}
	if !root.IsComplete() {
		return nil, errs.TreeReconstructError{Reason: "reconstructed tree is incomplete"}
	}
	return &root, nil
}

func resolve(ctx context.Context, b storage.Backend, d digest.Digest, received map[digest.Digest]chunktree.Node, memo map[digest.Digest]chunktree.Node) (chunktree.Node, error) {
	if full, ok := memo[d]; ok {
		return full, nil
	}

	n, ok := received[d]
	if !ok {
		existing, ok, err := b.Get(ctx, d)
		if err != nil {
			return chunktree.Node{}, err
		}
		if !ok {
			return chunktree.Node{}, errs.MissingDataError{Digest: d}
		}
		memo[d] = existing
		return existing, nil
	}

	switch n.Kind() {
	case chunktree.KindStored:
		data, _ := n.StoredBytes()
		stored, err := b.StoreLeaf(ctx, d, data)
		if err != nil {
			return chunktree.Node{}, err
		}
		memo[d] = stored
		return stored, nil

	case chunktree.KindParent:
		leftRef, rightRef, _ := n.Children()
		left, err := resolve(ctx, b, leftRef.Digest(), received, memo)
		if err != nil {
			return chunktree.Node{}, err
		}
		right, err := resolve(ctx, b, rightRef.Digest(), received, memo)
		if err != nil {
			return chunktree.Node{}, err
		}
		full, err := b.StoreLink(ctx, d, left, right)
		if err != nil {
			return chunktree.Node{}, err
		}
		memo[d] = full
		return full, nil

	default: // KindSkipped
		existing, ok, err := b.Get(ctx, d)
		if err != nil {
			return chunktree.Node{}, err
		}
		if !ok {
			return chunktree.Node{}, errs.MissingDataError{Digest: d}
		}
		memo[d] = existing
		return existing, nil
	}
}
