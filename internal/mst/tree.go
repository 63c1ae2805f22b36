// Package mst implements the Merkle Search Tree index described in
// spec §3/§4.4: a deterministic, content-addressed, probabilistically
// balanced search tree over "collection/rkey" keys, used as the data
// field of every repo commit.
package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
)

// LeafEntry is one (key, value) pair, either supplied to Create/List
// results or returned by a walk.
type LeafEntry struct {
	Key []byte
	Val cid.Cid
}

// Tree is an immutable (copy-on-write) view of an MST rooted at a
// particular block. Every mutation returns a new *Tree; the receiver
// is left untouched, so callers may keep using an older Tree value
// (e.g. to diff against) after deriving a new one.
type Tree struct {
	store blockstore.Store
	root  *ref // nil means the empty tree
}

// Empty returns a Tree with no entries.
func Empty(store blockstore.Store) *Tree {
	return &Tree{store: store}
}

// Load returns a Tree rooted at an existing, already-persisted block.
func Load(store blockstore.Store, root cid.Cid) *Tree {
	return &Tree{store: store, root: loadedRef(root)}
}

// Create builds a tree from a batch of leaves. Order does not matter:
// the final shape and root CID depend only on the key set, since each
// key's layer is a deterministic function of its hash (§8 "creation
// order independence").
func Create(ctx context.Context, store blockstore.Store, leaves []LeafEntry) (*Tree, error) {
	t := Empty(store)
	for _, l := range leaves {
		var err error
		t, err = t.Add(ctx, l.Key, l.Val)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Get returns the value CID for key, or cid.Undef if absent.
func (t *Tree) Get(ctx context.Context, key []byte) (cid.Cid, error) {
	r := t.root
	for {
		n, err := resolve(ctx, t.store, r)
		if err != nil {
			return cid.Undef, err
		}
		if n == nil {
			return cid.Undef, nil
		}
		idx, exists := search(n.Entries, key)
		if exists {
			return n.Entries[idx].Val, nil
		}
		if idx == 0 {
			r = n.Left
		} else {
			r = n.Entries[idx-1].Right
		}
		if r == nil {
			return cid.Undef, nil
		}
	}
}

// Add inserts key -> val, failing with ErrKeyExists if already present.
func (t *Tree) Add(ctx context.Context, key []byte, val cid.Cid) (*Tree, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	layer, err := layerOf(ctx, t.store, t.root)
	if err != nil {
		return nil, err
	}
	newRoot, err := insert(ctx, t.store, t.root, layer, key, layerForKey(key), val)
	if err != nil {
		return nil, err
	}
	return &Tree{store: t.store, root: newRoot}, nil
}

// Update replaces the value at an existing key, failing with
// ErrKeyNotFound if absent. The key's layer does not change, so this
// never restructures the tree, only the path of nodes to the leaf.
func (t *Tree) Update(ctx context.Context, key []byte, val cid.Cid) (*Tree, error) {
	if t.root == nil {
		return nil, ErrKeyNotFound
	}
	newRoot, err := updateAt(ctx, t.store, t.root, key, val)
	if err != nil {
		return nil, err
	}
	return &Tree{store: t.store, root: newRoot}, nil
}

// Delete removes key, failing with ErrKeyNotFound if absent.
func (t *Tree) Delete(ctx context.Context, key []byte) (*Tree, error) {
	if t.root == nil {
		return nil, ErrKeyNotFound
	}
	newRoot, err := deleteAt(ctx, t.store, t.root, key)
	if err != nil {
		return nil, err
	}
	return &Tree{store: t.store, root: newRoot}, nil
}

// GetPointer returns the tree's root CID, computing and staging any
// not-yet-persisted blocks along the way (but not writing them).
func (t *Tree) GetPointer(ctx context.Context) (cid.Cid, error) {
	c, _, err := t.GetUnstoredBlocks(ctx)
	return c, err
}

// GetUnstoredBlocks returns the root CID and every block that is not
// yet known to be persisted, keyed by the CID's binary KeyString form,
// ready to be written in one PutMany/CAR-export pass.
func (t *Tree) GetUnstoredBlocks(ctx context.Context) (cid.Cid, map[string][]byte, error) {
	dirty := make(map[string][]byte)
	c, err := computeCID(ctx, t.store, t.root, dirty)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, dirty, nil
}

// ListWithPrefix returns up to limit leaves whose key starts with
// prefix, in ascending order. limit <= 0 means unbounded.
func (t *Tree) ListWithPrefix(ctx context.Context, prefix []byte, limit int) ([]LeafEntry, error) {
	w, err := t.WalkFrom(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []LeafEntry
	for {
		le, ok, err := w.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if len(le.Key) < len(prefix) || string(le.Key[:len(prefix)]) != string(prefix) {
			break
		}
		out = append(out, le)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- insert / split / concat / update / delete ---

// insert places key (at keyLayer) into the subtree rooted at r (at
// layer nodeLayer), returning the new root ref. This single recursion
// covers every case from §4.4: growing the root upward (keyLayer >
// nodeLayer), inserting among this node's own entries (keyLayer ==
// nodeLayer), and descending into the gap that spans key (keyLayer <
// nodeLayer) — including fabricating a brand new node when that gap
// was previously empty or shallower than keyLayer.
func insert(ctx context.Context, store blockstore.Store, r *ref, nodeLayer int, key []byte, keyLayer int, val cid.Cid) (*ref, error) {
	if keyLayer > nodeLayer {
		left, right, err := nodeSplit(ctx, store, r, key)
		if err != nil {
			return nil, err
		}
		return newRef(&node{Left: left, Entries: []entry{{Key: append([]byte{}, key...), Val: val, Right: right}}}), nil
	}

	n, err := resolve(ctx, store, r)
	if err != nil {
		return nil, err
	}

	if keyLayer == nodeLayer {
		idx, exists := search(n.Entries, key)
		if exists {
			return nil, ErrKeyExists
		}
		var adjacent *ref
		if idx == 0 {
			adjacent = n.Left
		} else {
			adjacent = n.Entries[idx-1].Right
		}
		left, right, err := nodeSplit(ctx, store, adjacent, key)
		if err != nil {
			return nil, err
		}

		newEntries := make([]entry, 0, len(n.Entries)+1)
		newEntries = append(newEntries, cloneEntries(n.Entries[:idx])...)
		newLeft := n.Left
		if idx > 0 {
			newEntries[idx-1].Right = left
		} else {
			newLeft = left
		}
		newEntries = append(newEntries, entry{Key: append([]byte{}, key...), Val: val, Right: right})
		newEntries = append(newEntries, n.Entries[idx:]...)
		return finish(newLeft, newEntries), nil
	}

	// keyLayer < nodeLayer: descend into the single gap spanning key.
	idx, _ := search(n.Entries, key)
	var child *ref
	if idx == 0 {
		child = n.Left
	} else {
		child = n.Entries[idx-1].Right
	}
	childLayer, err := layerOf(ctx, store, child)
	if err != nil {
		return nil, err
	}
	newChild, err := insert(ctx, store, child, childLayer, key, keyLayer, val)
	if err != nil {
		return nil, err
	}

	newEntries := cloneEntries(n.Entries)
	newLeft := n.Left
	if idx == 0 {
		newLeft = newChild
	} else {
		newEntries[idx-1].Right = newChild
	}
	return finish(newLeft, newEntries), nil
}

// nodeSplit partitions the subtree rooted at r into (left, right)
// around key: every leaf reachable from left sorts before key, every
// leaf reachable from right sorts after it. r's own layer is always
// below the layer of the key being inserted, so this treats r purely
// by key comparison, recursing into whichever single child straddles
// the split point.
func nodeSplit(ctx context.Context, store blockstore.Store, r *ref, key []byte) (*ref, *ref, error) {
	if r == nil {
		return nil, nil, nil
	}
	n, err := resolve(ctx, store, r)
	if err != nil {
		return nil, nil, err
	}

	idx, exists := search(n.Entries, key)
	if exists {
		return nil, nil, fmt.Errorf("mst: split: key already present in subtree")
	}

	var adjacent *ref
	if idx == 0 {
		adjacent = n.Left
	} else {
		adjacent = n.Entries[idx-1].Right
	}
	ml, mr, err := nodeSplit(ctx, store, adjacent, key)
	if err != nil {
		return nil, nil, err
	}

	var leftRef *ref
	if idx == 0 {
		leftRef = ml
	} else {
		leftEntries := cloneEntries(n.Entries[:idx])
		leftEntries[idx-1].Right = ml
		leftRef = finish(n.Left, leftEntries)
	}

	var rightRef *ref
	if idx == len(n.Entries) {
		rightRef = mr
	} else {
		rightRef = finish(mr, cloneEntries(n.Entries[idx:]))
	}

	return leftRef, rightRef, nil
}

// concat merges two subtrees known to be key-disjoint with every key
// in left sorting before every key in right, the inverse of nodeSplit.
func concat(ctx context.Context, store blockstore.Store, left, right *ref) (*ref, error) {
	if left == nil {
		return right, nil
	}
	if right == nil {
		return left, nil
	}

	lLayer, err := layerOf(ctx, store, left)
	if err != nil {
		return nil, err
	}
	rLayer, err := layerOf(ctx, store, right)
	if err != nil {
		return nil, err
	}
	lNode, err := resolve(ctx, store, left)
	if err != nil {
		return nil, err
	}
	rNode, err := resolve(ctx, store, right)
	if err != nil {
		return nil, err
	}

	switch {
	case lLayer == rLayer:
		lastIdx := len(lNode.Entries) - 1
		boundary, err := concat(ctx, store, lNode.Entries[lastIdx].Right, rNode.Left)
		if err != nil {
			return nil, err
		}
		newEntries := cloneEntries(lNode.Entries)
		newEntries[lastIdx].Right = boundary
		newEntries = append(newEntries, rNode.Entries...)
		return finish(lNode.Left, newEntries), nil

	case lLayer > rLayer:
		lastIdx := len(lNode.Entries) - 1
		newLastRight, err := concat(ctx, store, lNode.Entries[lastIdx].Right, right)
		if err != nil {
			return nil, err
		}
		newEntries := cloneEntries(lNode.Entries)
		newEntries[lastIdx].Right = newLastRight
		return finish(lNode.Left, newEntries), nil

	default: // lLayer < rLayer
		newFirstLeft, err := concat(ctx, store, left, rNode.Left)
		if err != nil {
			return nil, err
		}
		return finish(newFirstLeft, cloneEntries(rNode.Entries)), nil
	}
}

// updateAt replaces the value at an existing key without restructuring
// the tree, descending through whichever single gap contains the key.
func updateAt(ctx context.Context, store blockstore.Store, r *ref, key []byte, val cid.Cid) (*ref, error) {
	n, err := resolve(ctx, store, r)
	if err != nil {
		return nil, err
	}
	idx, exists := search(n.Entries, key)
	if exists {
		newEntries := cloneEntries(n.Entries)
		newEntries[idx].Val = val
		return finish(n.Left, newEntries), nil
	}

	var child *ref
	if idx == 0 {
		child = n.Left
	} else {
		child = n.Entries[idx-1].Right
	}
	if child == nil {
		return nil, ErrKeyNotFound
	}
	newChild, err := updateAt(ctx, store, child, key, val)
	if err != nil {
		return nil, err
	}
	newEntries := cloneEntries(n.Entries)
	newLeft := n.Left
	if idx == 0 {
		newLeft = newChild
	} else {
		newEntries[idx-1].Right = newChild
	}
	return finish(newLeft, newEntries), nil
}

// deleteAt removes key, merging its two neighboring subtrees back
// together, and collapsing any node left with zero entries (finish)
// so a single surviving child is promoted in its place.
func deleteAt(ctx context.Context, store blockstore.Store, r *ref, key []byte) (*ref, error) {
	n, err := resolve(ctx, store, r)
	if err != nil {
		return nil, err
	}
	idx, exists := search(n.Entries, key)
	if exists {
		var leftAdj *ref
		if idx == 0 {
			leftAdj = n.Left
		} else {
			leftAdj = n.Entries[idx-1].Right
		}
		rightAdj := n.Entries[idx].Right

		merged, err := concat(ctx, store, leftAdj, rightAdj)
		if err != nil {
			return nil, err
		}

		newEntries := make([]entry, 0, len(n.Entries)-1)
		newEntries = append(newEntries, cloneEntries(n.Entries[:idx])...)
		newEntries = append(newEntries, n.Entries[idx+1:]...)
		newLeft := n.Left
		if idx == 0 {
			newLeft = merged
		} else {
			newEntries[idx-1].Right = merged
		}
		return finish(newLeft, newEntries), nil
	}

	var child *ref
	if idx == 0 {
		child = n.Left
	} else {
		child = n.Entries[idx-1].Right
	}
	if child == nil {
		return nil, ErrKeyNotFound
	}
	newChild, err := deleteAt(ctx, store, child, key)
	if err != nil {
		return nil, err
	}
	newEntries := cloneEntries(n.Entries)
	newLeft := n.Left
	if idx == 0 {
		newLeft = newChild
	} else {
		newEntries[idx-1].Right = newChild
	}
	return finish(newLeft, newEntries), nil
}
