// Package errs defines the error kinds chunktree surfaces across its
// public API (spec.md §7), as plain typed structs in the style of the
// teacher's storagedriver.PathNotFoundError/InvalidOffsetError rather than
// an error-code registry or a single opaque sentinel.
package errs

import (
	"fmt"

	"github.com/chunktree/chunktree/digest"
)

// IntegrityError reports a digest or size mismatch: a read whose computed
// hash doesn't match what was asked for, or an unresolved Skipped node
// surviving a reconstruction that should have completed.
type IntegrityError struct {
	Digest digest.Digest
	Reason string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("chunktree: integrity error for %s: %s", e.Digest, e.Reason)
}

// MissingDataError reports a Get against an unknown digest, or a read of
// an in-file chunk that has not yet been populated.
type MissingDataError struct {
	Digest digest.Digest
}

func (e MissingDataError) Error() string {
	return fmt.Sprintf("chunktree: no data for digest %s", e.Digest)
}

// IOError wraps a filesystem failure with the path that produced it.
type IOError struct {
	Path string
	Err  error
}

func (e IOError) Error() string {
	return fmt.Sprintf("chunktree: io error at %q: %v", e.Path, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }

// SerializationError reports a malformed wire frame: a truncated stream,
// an unrecognized node tag, or a bad format version byte.
type SerializationError struct {
	Reason string
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("chunktree: serialization error: %s", e.Reason)
}

// InvalidParameterError reports a caller mistake: bad digest hex, an
// oversize chunk, an empty item name, and the like.
type InvalidParameterError struct {
	Reason string
}

func (e InvalidParameterError) Error() string {
	return fmt.Sprintf("chunktree: invalid parameter: %s", e.Reason)
}

// LinkCreationError reports that a backend rejected storing a Parent node.
type LinkCreationError struct {
	Digest digest.Digest
	Reason string
}

func (e LinkCreationError) Error() string {
	return fmt.Sprintf("chunktree: failed to create link %s: %s", e.Digest, e.Reason)
}

// ChunkInsertError reports that a backend rejected storing a leaf chunk.
type ChunkInsertError struct {
	Digest digest.Digest
	Reason string
}

func (e ChunkInsertError) Error() string {
	return fmt.Sprintf("chunktree: failed to insert chunk %s: %s", e.Digest, e.Reason)
}

// TreeReconstructError reports that a streamed reconstruction ended
// incomplete, or with a root digest that doesn't match what was requested.
type TreeReconstructError struct {
	Reason string
}

func (e TreeReconstructError) Error() string {
	return fmt.Sprintf("chunktree: tree reconstruction failed: %s", e.Reason)
}
