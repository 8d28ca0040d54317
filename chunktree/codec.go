package chunktree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chunktree/chunktree/digest"
	"github.com/chunktree/chunktree/errs"
)

// Wire tags, per spec.md §6.
const (
	tagParent  byte = 0
	tagStored  byte = 1
	tagSkipped byte = 2
)

// maxStoredLen guards against a corrupt or hostile length prefix trying to
// make a reader allocate an enormous buffer; no legitimate Stored node
// exceeds digest.ChunkSize bytes.
const maxStoredLen = digest.ChunkSize

// EncodeNode writes n's compact binary wire representation to w.
//
// A Parent's children are written as bare (digest, size) references, never
// as full subtrees — spec.md §4.5's "critically" clause, which is what
// keeps a diff stream's on-wire size linear in the pruned tree rather than
// quadratic. The sender relies on pre-order emission (DiffStream) to make
// sure each reference is followed by the real node shortly after.
func EncodeNode(w io.Writer, n Node) error {
	switch n.kind {
	case KindParent:
		if _, err := w.Write([]byte{tagParent}); err != nil {
			return err
		}
		if err := writeDigestSize(w, n.digest, n.size); err != nil {
			return err
		}
		ld, ls := n.left.ChunkInfo()
		if err := writeDigestSize(w, ld, ls); err != nil {
			return err
		}
		rd, rs := n.right.ChunkInfo()
		return writeDigestSize(w, rd, rs)

	case KindStored:
		if _, err := w.Write([]byte{tagStored}); err != nil {
			return err
		}
		if _, err := w.Write(n.digest[:]); err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(n.bytes)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(n.bytes)
		return err

	case KindSkipped:
		if _, err := w.Write([]byte{tagSkipped}); err != nil {
			return err
		}
		return writeDigestSize(w, n.digest, n.size)

	default:
		return errs.SerializationError{Reason: fmt.Sprintf("unknown node kind %d", n.kind)}
	}
}

// DecodeNode reads one node from r. A decoded Parent's children are always
// Skipped placeholders (the reference shape described above); it is the
// caller's job (storage backends receiving a stream, see storage/infile
// and storage/memory) to splice in the real children as they arrive later
// in the stream.
func DecodeNode(r io.Reader) (Node, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Node{}, err
	}

	switch tagBuf[0] {
	case tagParent:
		d, size, err := readDigestSize(r)
		if err != nil {
			return Node{}, err
		}
		ld, ls, err := readDigestSize(r)
		if err != nil {
			return Node{}, err
		}
		rd, rs, err := readDigestSize(r)
		if err != nil {
			return Node{}, err
		}
		left := NewSkipped(ld, ls)
		right := NewSkipped(rd, rs)
		return Node{kind: KindParent, digest: d, size: size, left: &left, right: &right}, nil

	case tagStored:
		var dBuf [digest.Size]byte
		if _, err := io.ReadFull(r, dBuf[:]); err != nil {
			return Node{}, err
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Node{}, err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxStoredLen {
			return Node{}, errs.SerializationError{Reason: fmt.Sprintf("stored chunk length %d exceeds chunk size", n)}
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return Node{}, err
		}
		d := digest.Digest(dBuf)
		gotDigest := digest.Leaf(b)
		if gotDigest != d {
			return Node{}, errs.IntegrityError{Digest: d, Reason: "decoded bytes do not hash to the claimed digest"}
		}
		return Node{kind: KindStored, digest: d, size: uint64(n), bytes: b}, nil

	case tagSkipped:
		d, size, err := readDigestSize(r)
		if err != nil {
			return Node{}, err
		}
		return NewSkipped(d, size), nil

	default:
		return Node{}, errs.SerializationError{Reason: fmt.Sprintf("unknown wire tag %d", tagBuf[0])}
	}
}

func writeDigestSize(w io.Writer, d digest.Digest, size uint64) error {
	if _, err := w.Write(d[:]); err != nil {
		return err
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], size)
	_, err := w.Write(sizeBuf[:])
	return err
}

func readDigestSize(r io.Reader) (digest.Digest, uint64, error) {
	var dBuf [digest.Size]byte
	if _, err := io.ReadFull(r, dBuf[:]); err != nil {
		return digest.Digest{}, 0, err
	}
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return digest.Digest{}, 0, err
	}
	return digest.Digest(dBuf), binary.LittleEndian.Uint64(sizeBuf[:]), nil
}

// EncodeBatch writes a length-prefixed frame containing nodes, in order:
// a 4-byte little-endian count followed by each node's encoding. This is
// the framing spec.md §6 describes for the node-stream wire format.
func EncodeBatch(w io.Writer, nodes []Node) error {
	var body bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(nodes)))
	body.Write(countBuf[:])
	for _, n := range nodes {
		if err := EncodeNode(&body, n); err != nil {
			return err
		}
	}

	var frameLen [4]byte
	binary.LittleEndian.PutUint32(frameLen[:], uint32(body.Len()))
	if _, err := w.Write(frameLen[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeBatch reads one length-prefixed frame and returns its nodes.
func DecodeBatch(r io.Reader) ([]Node, error) {
	var frameLen [4]byte
	if _, err := io.ReadFull(r, frameLen[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(frameLen[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	br := bytes.NewReader(body)
	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])
	nodes := make([]Node, 0, count)
	for i := uint32(0); i < count; i++ {
		node, err := DecodeNode(br)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
