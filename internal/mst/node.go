package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/cidutil"
	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
)

// MissingBlockError reports a subtree or value CID that was referenced
// but could not be loaded from the store (§4.4 failure semantics). No
// partial mutation happens before this is raised.
type MissingBlockError struct {
	Cid cid.Cid
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("mst: missing block %s", e.Cid)
}

// ErrKeyExists is returned by Add when the key is already present.
var ErrKeyExists = fmt.Errorf("mst: key already exists")

// ErrKeyNotFound is returned by Get-adjacent mutations (Update, Delete)
// when the key is absent.
var ErrKeyNotFound = fmt.Errorf("mst: key not found")

// entry is one leaf of a node: a full key, its value CID, and the
// subtree (always at a strictly lower layer) covering the key range
// between this entry and the next.
type entry struct {
	Key   []byte
	Val   cid.Cid
	Right *ref
}

// node is one MST tree node: an optional subtree covering keys below
// the first entry, plus a sorted, non-empty list of entries all
// belonging to the same layer.
type node struct {
	Left    *ref
	Entries []entry
}

// ref is a lazily-resolved pointer to a node, either already persisted
// (known CID, bytes fetched on demand) or newly built in memory (CID
// computed, and the block queued for persistence, on first access).
type ref struct {
	cid   cid.Cid
	known bool
	n     *node
}

func newRef(n *node) *ref {
	return &ref{n: n}
}

func loadedRef(c cid.Cid) *ref {
	return &ref{cid: c, known: true}
}

// resolve returns the node behind r, fetching and decoding it from
// store on first use. A nil ref resolves to a nil node (no subtree).
func resolve(ctx context.Context, store blockstore.Store, r *ref) (*node, error) {
	if r == nil {
		return nil, nil
	}
	if r.n != nil {
		return r.n, nil
	}
	raw, err := store.Get(ctx, r.cid)
	if err != nil {
		return nil, fmt.Errorf("mst: resolve %s: %w", r.cid, err)
	}
	if raw == nil {
		return nil, &MissingBlockError{Cid: r.cid}
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, fmt.Errorf("mst: decode %s: %w", r.cid, err)
	}
	r.n = n
	return n, nil
}

// layerOf reports the layer of the node behind r, or negInfLayer for a
// nil ref. All entries in a well-formed node share one layer, so the
// first entry's key determines it.
func layerOf(ctx context.Context, store blockstore.Store, r *ref) (int, error) {
	if r == nil {
		return negInfLayer, nil
	}
	n, err := resolve(ctx, store, r)
	if err != nil {
		return 0, err
	}
	if len(n.Entries) == 0 {
		return negInfLayer, nil
	}
	return layerForKey(n.Entries[0].Key), nil
}

// finish builds a ref for (left, entries), collapsing a node that ended
// up with zero entries into its sole remaining child (§3: "a node is
// non-empty, or is the root"). This is the single place that enforces
// that invariant, so it is applied after every structural edit.
func finish(left *ref, entries []entry) *ref {
	if len(entries) == 0 {
		return left
	}
	return newRef(&node{Left: left, Entries: entries})
}

// search returns the index of the first entry with Key >= key, and
// whether that entry's Key equals key exactly.
func search(entries []entry, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if string(entries[mid].Key) < string(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(entries) && string(entries[lo].Key) == string(key)
}

func cloneEntries(entries []entry) []entry {
	out := make([]entry, len(entries))
	copy(out, entries)
	return out
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// computeCID serializes a not-yet-persisted node (recursing into its
// not-yet-persisted children) and stages the bytes in dirty. Refs with
// a known CID already — whether loaded from store or computed earlier
// in the same operation — return immediately without touching dirty.
func computeCID(ctx context.Context, store blockstore.Store, r *ref, dirty map[string][]byte) (cid.Cid, error) {
	if r == nil {
		return emptyNodeCID(dirty)
	}
	if r.known {
		return r.cid, nil
	}

	n := r.n
	var leftCID *cid.Cid
	if n.Left != nil {
		c, err := computeCID(ctx, store, n.Left, dirty)
		if err != nil {
			return cid.Undef, err
		}
		leftCID = &c
	}

	encEntries := make([]any, 0, len(n.Entries))
	var prevKey []byte
	for i, e := range n.Entries {
		p := 0
		if i > 0 {
			p = commonPrefixLen(prevKey, e.Key)
		}
		var rightCID *cid.Cid
		if e.Right != nil {
			c, err := computeCID(ctx, store, e.Right, dirty)
			if err != nil {
				return cid.Undef, err
			}
			rightCID = &c
		}
		encEntries = append(encEntries, map[string]any{
			"p": int64(p),
			"k": append([]byte{}, e.Key[p:]...),
			"v": e.Val,
			"t": rightCID,
		})
		prevKey = e.Key
	}

	raw, err := dagcbor.Marshal(map[string]any{
		"l": leftCID,
		"e": encEntries,
	})
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: serialize node: %w", err)
	}
	c, err := cidutil.SumDagCBOR(raw)
	if err != nil {
		return cid.Undef, err
	}
	r.cid = c
	r.known = true
	dirty[c.KeyString()] = raw
	return c, nil
}

var emptyNodeMemo *cid.Cid
var emptyNodeBytes []byte

// emptyNodeCID returns the canonical CID of the empty node {l:null,e:[]},
// used as the root block of a tree with no keys.
func emptyNodeCID(dirty map[string][]byte) (cid.Cid, error) {
	if emptyNodeMemo == nil {
		raw, err := dagcbor.Marshal(map[string]any{
			"l": (*cid.Cid)(nil),
			"e": []any{},
		})
		if err != nil {
			return cid.Undef, fmt.Errorf("mst: serialize empty node: %w", err)
		}
		c, err := cidutil.SumDagCBOR(raw)
		if err != nil {
			return cid.Undef, err
		}
		emptyNodeMemo = &c
		emptyNodeBytes = raw
	}
	if dirty != nil {
		dirty[emptyNodeMemo.KeyString()] = emptyNodeBytes
	}
	return *emptyNodeMemo, nil
}

// decodeNode parses a node block back into full keys by re-assembling
// the prefix-compressed entries in order.
func decodeNode(raw []byte) (*node, error) {
	v, err := dagcbor.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mst: node value is not a map")
	}

	var left *ref
	if lv, ok := m["l"]; ok && lv != nil {
		lc, ok := lv.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: node.l is not a cid")
		}
		left = loadedRef(lc)
	}

	rawEntries, ok := m["e"].([]any)
	if !ok {
		return nil, fmt.Errorf("mst: node.e is not an array")
	}

	entries := make([]entry, 0, len(rawEntries))
	var prevKey []byte
	for _, ev := range rawEntries {
		em, ok := ev.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mst: entry is not a map")
		}
		p, ok := em["p"].(int64)
		if !ok || p < 0 {
			return nil, fmt.Errorf("mst: entry.p invalid")
		}
		if int(p) > len(prevKey) {
			return nil, fmt.Errorf("mst: entry.p exceeds previous key length")
		}
		k, ok := em["k"].([]byte)
		if !ok {
			return nil, fmt.Errorf("mst: entry.k is not bytes")
		}
		val, ok := em["v"].(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: entry.v is not a cid")
		}
		var right *ref
		if tv, ok := em["t"]; ok && tv != nil {
			tc, ok := tv.(cid.Cid)
			if !ok {
				return nil, fmt.Errorf("mst: entry.t is not a cid")
			}
			right = loadedRef(tc)
		}

		full := make([]byte, 0, int(p)+len(k))
		full = append(full, prevKey[:p]...)
		full = append(full, k...)

		entries = append(entries, entry{Key: full, Val: val, Right: right})
		prevKey = full
	}

	return &node{Left: left, Entries: entries}, nil
}
