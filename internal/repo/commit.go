package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/cidutil"
	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
	"github.com/northfork-dev/atproto-pds/internal/signing"
)

// commitVersion is the fixed repo format version (§3 Commit).
const commitVersion = 3

// Commit is the signed map at the head of a repo: a pointer to the
// current MST root, the previous commit (if any), and a revision.
type Commit struct {
	DID  string
	Data cid.Cid
	Rev  string
	Prev *cid.Cid
	Sig  []byte
}

func (c *Commit) toMap(withSig bool) map[string]any {
	m := map[string]any{
		"did":     c.DID,
		"version": int64(commitVersion),
		"data":    c.Data,
		"rev":     c.Rev,
		"prev":    c.Prev,
	}
	if withSig {
		m["sig"] = c.Sig
	}
	return m
}

// signingBytes returns the deterministic-CBOR encoding of the commit
// with the sig field absent — exactly what gets signed (§4.5 step 6).
func (c *Commit) signingBytes() ([]byte, error) {
	raw, err := dagcbor.Marshal(c.toMap(false))
	if err != nil {
		return nil, fmt.Errorf("repo: encode commit for signing: %w", err)
	}
	return raw, nil
}

// Sign computes and attaches the commit signature.
func (c *Commit) Sign(key *signing.Key) error {
	msg, err := c.signingBytes()
	if err != nil {
		return err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("repo: sign commit: %w", err)
	}
	c.Sig = sig
	return nil
}

// Verify checks the attached signature against pub. It never errors:
// a malformed commit or signature simply verifies false (§4.6).
func (c *Commit) Verify(pub *signing.PublicKey) bool {
	if len(c.Sig) == 0 {
		return false
	}
	msg, err := c.signingBytes()
	if err != nil {
		return false
	}
	return pub.Verify(msg, c.Sig)
}

// Encode returns the full (including sig) deterministic-CBOR bytes and
// their CID — the bytes actually persisted and hashed as commit_cid.
// The spec's §9 open question warns against ever re-deriving these
// bytes through a JSON round trip; callers must keep and reuse this
// exact byte slice, never reconstruct it later.
func (c *Commit) Encode() (cid.Cid, []byte, error) {
	raw, err := dagcbor.Marshal(c.toMap(true))
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: encode commit: %w", err)
	}
	id, err := cidutil.SumDagCBOR(raw)
	if err != nil {
		return cid.Undef, nil, err
	}
	return id, raw, nil
}

// DecodeCommit parses a previously-encoded commit block, preserving
// enough information to re-verify its signature and walk its MST.
func DecodeCommit(raw []byte) (*Commit, error) {
	v, err := dagcbor.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("repo: decode commit: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("repo: commit is not a map")
	}
	did, _ := m["did"].(string)
	data, ok := m["data"].(cid.Cid)
	if !ok {
		return nil, fmt.Errorf("repo: commit.data is not a cid")
	}
	rev, _ := m["rev"].(string)
	var prev *cid.Cid
	if pv, ok := m["prev"]; ok && pv != nil {
		if pc, ok := pv.(cid.Cid); ok {
			prev = &pc
		}
	}
	sig, _ := m["sig"].([]byte)
	return &Commit{DID: did, Data: data, Rev: rev, Prev: prev, Sig: sig}, nil
}
