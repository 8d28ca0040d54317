// Package item defines the externally-facing Item aggregate: the named,
// versioned handle a caller uses to refer to a tree that a storage backend
// has registered (spec.md §3, wire/persisted format in §6).
package item

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/chunktree/chunktree"
	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/errs"
)

// FormatVersion is the current Item metadata wire/persisted format
// version. Backwards-incompatible changes to the layout below must bump
// this and reject older/newer values on decode (spec.md §6).
const FormatVersion uint8 = 1

// CreatorVersion identifies the chunktree build that created an Item, for
// diagnostics; it is not interpreted by any operation.
const CreatorVersion = "chunktree/0.1"

// LeafRef is a (digest, size) pair identifying one leaf in order.
type LeafRef struct {
	Digest digest.Digest
	Size   uint64
}

// Item is the named handle a caller holds for a registered tree.
type Item struct {
	Name           string
	Path           string
	Revision       uint32
	Description    string // empty means "absent", matching spec's Option<utf8>
	RootDigest     digest.Digest
	RootSize       uint64
	Leaves         []LeafRef
	Nodes          map[digest.Digest]uint64 // every distinct digest in the tree, leaves and internals
	Created        time.Time
	Updated        time.Time
	CreatorVersion string
}

// NewItem builds an Item's metadata from a built tree. It does not itself
// store anything; storage backends call this after their own Get/Store
// bookkeeping succeeds.
func NewItem(name, path string, revision uint32, description string, root chunktree.Node, now time.Time) (*Item, error) {
	if name == "" {
		return nil, errs.InvalidParameterError{Reason: "item name must not be empty"}
	}
	if path == "" {
		return nil, errs.InvalidParameterError{Reason: "item path must not be empty"}
	}

	leafDigests := root.FlattenLeaves()
	sizes := root.AllDigestsWithSizes()
	leaves := make([]LeafRef, len(leafDigests))
	for i, d := range leafDigests {
		leaves[i] = LeafRef{Digest: d, Size: sizes[d]}
	}

	return &Item{
		Name:           name,
		Path:           path,
		Revision:       revision,
		Description:    description,
		RootDigest:     root.Digest(),
		RootSize:       root.Size(),
		Leaves:         leaves,
		Nodes:          sizes,
		Created:        now,
		Updated:        now,
		CreatorVersion: CreatorVersion,
	}, nil
}

// Encode writes the Item metadata wire format described in spec.md §6.
func Encode(w io.Writer, it *Item) error {
	if _, err := w.Write([]byte{FormatVersion}); err != nil {
		return err
	}
	if err := writeString(w, it.Name); err != nil {
		return err
	}
	if err := writeString(w, it.Description); err != nil {
		return err
	}
	if err := writeString(w, it.Path); err != nil {
		return err
	}
	if err := writeUint32(w, it.Revision); err != nil {
		return err
	}
	if err := writeRef(w, it.RootDigest, it.RootSize); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(it.Leaves))); err != nil {
		return err
	}
	for _, l := range it.Leaves {
		if err := writeRef(w, l.Digest, l.Size); err != nil {
			return err
		}
	}
	if err := writeUint32(w, uint32(len(it.Nodes))); err != nil {
		return err
	}
	for d, size := range it.Nodes {
		if err := writeRef(w, d, size); err != nil {
			return err
		}
	}
	if err := writeTimestamp(w, it.Created); err != nil {
		return err
	}
	if err := writeTimestamp(w, it.Updated); err != nil {
		return err
	}
	return writeString(w, it.CreatorVersion)
}

// Decode reads an Item back from its wire format.
func Decode(r io.Reader) (*Item, error) {
	var verBuf [1]byte
	if _, err := io.ReadFull(r, verBuf[:]); err != nil {
		return nil, err
	}
	if verBuf[0] != FormatVersion {
		return nil, errs.SerializationError{Reason: fmt.Sprintf("unsupported item format version %d", verBuf[0])}
	}

	it := &Item{}
	var err error
	if it.Name, err = readString(r); err != nil {
		return nil, err
	}
	if it.Description, err = readString(r); err != nil {
		return nil, err
	}
	if it.Path, err = readString(r); err != nil {
		return nil, err
	}
	if it.Revision, err = readUint32(r); err != nil {
		return nil, err
	}
	if it.RootDigest, it.RootSize, err = readRef(r); err != nil {
		return nil, err
	}

	nLeaves, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	it.Leaves = make([]LeafRef, nLeaves)
	for i := range it.Leaves {
		d, size, err := readRef(r)
		if err != nil {
			return nil, err
		}
		it.Leaves[i] = LeafRef{Digest: d, Size: size}
	}

	nNodes, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	it.Nodes = make(map[digest.Digest]uint64, nNodes)
	for i := uint32(0); i < nNodes; i++ {
		d, size, err := readRef(r)
		if err != nil {
			return nil, err
		}
		it.Nodes[d] = size
	}

	if it.Created, err = readTimestamp(r); err != nil {
		return nil, err
	}
	if it.Updated, err = readTimestamp(r); err != nil {
		return nil, err
	}
	if it.CreatorVersion, err = readString(r); err != nil {
		return nil, err
	}
	return it, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeRef(w io.Writer, d digest.Digest, size uint64) error {
	if _, err := w.Write(d[:]); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	_, err := w.Write(buf[:])
	return err
}

func readRef(r io.Reader) (digest.Digest, uint64, error) {
	var dBuf [digest.Size]byte
	if _, err := io.ReadFull(r, dBuf[:]); err != nil {
		return digest.Digest{}, 0, err
	}
	var sBuf [8]byte
	if _, err := io.ReadFull(r, sBuf[:]); err != nil {
		return digest.Digest{}, 0, err
	}
	return digest.Digest(dBuf), binary.LittleEndian.Uint64(sBuf[:]), nil
}

func writeTimestamp(w io.Writer, t time.Time) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	_, err := w.Write(buf[:])
	return err
}

func readTimestamp(r io.Reader) (time.Time, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(buf[:]))).UTC(), nil
}

// Bytes is a convenience wrapper around Encode for callers (e.g. the
// in-file backend's persistence snapshot) that want the whole Item as a
// single []byte.
func Bytes(it *Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, it); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes is the inverse of Bytes.
func FromBytes(b []byte) (*Item, error) {
	return Decode(bytes.NewReader(b))
}
