package mst

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
)

// Reachable walks every node reachable from root and returns its CID
// along with the CIDs of every leaf value it holds — exactly the
// block set a CAR snapshot or Merkle proof needs (§4.8 repo_snapshot,
// record_proof). Order is a pre-order DFS; root is always first when
// defined.
func Reachable(ctx context.Context, store blockstore.Store, root cid.Cid) (nodes []cid.Cid, leaves []cid.Cid, err error) {
	if !root.Defined() {
		return nil, nil, nil
	}
	var walk func(r *ref) error
	walk = func(r *ref) error {
		if r == nil {
			return nil
		}
		n, err := resolve(ctx, store, r)
		if err != nil {
			return err
		}
		if r.known {
			nodes = append(nodes, r.cid)
		}
		if err := walk(n.Left); err != nil {
			return err
		}
		for _, e := range n.Entries {
			leaves = append(leaves, e.Val)
			if err := walk(e.Right); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(loadedRef(root)); err != nil {
		return nil, nil, err
	}
	return nodes, leaves, nil
}

// ProofPath walks from root to the leaf holding key, returning the
// CID of every MST node visited along the way (root first) and the
// leaf's value CID. found is false if key is absent, in which case
// path still holds the nodes visited while determining that (§4.8
// record_proof: "the record plus every MST node on the path from the
// root to its leaf").
func ProofPath(ctx context.Context, store blockstore.Store, root cid.Cid, key []byte) (path []cid.Cid, leaf cid.Cid, found bool, err error) {
	if !root.Defined() {
		return nil, cid.Undef, false, nil
	}
	r := loadedRef(root)
	for r != nil {
		n, err := resolve(ctx, store, r)
		if err != nil {
			return path, cid.Undef, false, err
		}
		if r.known {
			path = append(path, r.cid)
		}
		idx, exact := search(n.Entries, key)
		if exact {
			return path, n.Entries[idx].Val, true, nil
		}
		if idx == 0 {
			r = n.Left
			continue
		}
		r = n.Entries[idx-1].Right
	}
	return path, cid.Undef, false, nil
}
