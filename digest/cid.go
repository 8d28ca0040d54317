package digest

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// rawMulticodec is the multicodec code for "raw binary", used because a
// chunktree Digest identifies opaque bytes rather than any particular
// IPLD-structured format.
const rawMulticodec = 0x55

// CID renders d as an IPLD-family content identifier, for interop with
// other tooling in the go-ipfs ecosystem (diagnostics, log correlation,
// cross-referencing against a block store that speaks CIDs natively). It is
// not used internally for lookups — Digest remains chunktree's own
// identity — this is purely an external-facing projection.
func (d Digest) CID() (cid.Cid, error) {
	mh, err := multihash.Encode(d.Bytes(), multihash.BLAKE3)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(rawMulticodec, mh), nil
}
