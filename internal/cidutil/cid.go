// Package cidutil constructs and parses the CIDv1 identifiers used
// throughout the repository: dag-cbor (0x71) for blocks holding structured
// values, and raw (0x55) for blob content.
package cidutil

import (
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
)

// Codec constants from the multicodec table (§3 Primitives).
const (
	CodecDagCBOR = cid.DagCBOR // 0x71
	CodecRaw     = cid.Raw     // 0x55
)

// SumDagCBOR returns the CIDv1 (dag-cbor, sha2-256) of raw bytes.
func SumDagCBOR(raw []byte) (cid.Cid, error) {
	return sum(CodecDagCBOR, raw)
}

// SumRaw returns the CIDv1 (raw, sha2-256) of raw bytes, used for blobs.
func SumRaw(raw []byte) (cid.Cid, error) {
	return sum(CodecRaw, raw)
}

func sum(codec uint64, raw []byte) (cid.Cid, error) {
	builder := cid.NewPrefixV1(codec, multihash.SHA2_256)
	c, err := builder.Sum(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: sum: %w", err)
	}
	return c, nil
}

// Parse decodes a CID's text form (canonically lowercase base32 with the
// "b" multibase prefix). Binary CIDs are not accepted here; use
// cid.Cast for those. Equality and hashing always operate on the binary
// form, matching §4.2.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: parse %q: %w", s, err)
	}
	return c, nil
}

// Equal reports whether two CIDs have identical binary encodings.
func Equal(a, b cid.Cid) bool {
	return a.Equals(b)
}

// Block pairs a CID with its bytes and asserts the CidMismatch invariant
// (§3 Block) at construction time.
func Block(c cid.Cid, raw []byte) (blocks.Block, error) {
	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return nil, fmt.Errorf("cidutil: cid mismatch: %w", err)
	}
	return blk, nil
}

// VerifyDagCBOR recomputes the dag-cbor CID of raw and reports whether it
// equals c, without allocating a Block.
func VerifyDagCBOR(c cid.Cid, raw []byte) bool {
	got, err := SumDagCBOR(raw)
	if err != nil {
		return false
	}
	return got.Equals(c)
}

// CIDForValue implements cid_for(value) from §4.2: deterministic-CBOR
// encode, then CIDv1(dag-cbor, sha2-256).
func CIDForValue(v any) (cid.Cid, []byte, error) {
	raw, err := dagcbor.Marshal(v)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("cidutil: encode value: %w", err)
	}
	c, err := SumDagCBOR(raw)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, raw, nil
}
