package mst

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
)

// frame tracks progress through one node during an in-order walk: the
// next entry index to emit, after which its Right subtree (if any)
// must be fully walked before this node's following entries.
type frame struct {
	n   *node
	idx int
}

// Walker lazily yields leaves in ascending key order, resolving nodes
// from the store only as the walk reaches them.
type Walker struct {
	store blockstore.Store
	stack []frame
	err   error
}

// WalkFrom returns a Walker starting at the first key >= from. Passing
// a nil/empty from walks the whole tree.
func (t *Tree) WalkFrom(ctx context.Context, from []byte) (*Walker, error) {
	w := &Walker{store: t.store}
	if err := w.descendFrom(ctx, t.root, from); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Walker) descendFrom(ctx context.Context, r *ref, from []byte) error {
	for r != nil {
		n, err := resolve(ctx, w.store, r)
		if err != nil {
			return err
		}
		idx, exists := search(n.Entries, from)
		w.stack = append(w.stack, frame{n: n, idx: idx})
		if exists {
			return nil
		}
		if idx == 0 {
			r = n.Left
		} else {
			r = n.Entries[idx-1].Right
		}
	}
	return nil
}

func (w *Walker) pushLeftSpine(ctx context.Context, r *ref) error {
	for r != nil {
		n, err := resolve(ctx, w.store, r)
		if err != nil {
			return err
		}
		w.stack = append(w.stack, frame{n: n, idx: 0})
		r = n.Left
	}
	return nil
}

// Next returns the next leaf in ascending order, or ok=false once the
// walk is exhausted.
func (w *Walker) Next(ctx context.Context) (LeafEntry, bool, error) {
	if w.err != nil {
		return LeafEntry{}, false, w.err
	}
	for len(w.stack) > 0 {
		top := &w.stack[len(w.stack)-1]
		if top.idx >= len(top.n.Entries) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		e := top.n.Entries[top.idx]
		top.idx++
		if err := w.pushLeftSpine(ctx, e.Right); err != nil {
			w.err = err
			return LeafEntry{}, false, err
		}
		return LeafEntry{Key: e.Key, Val: e.Val}, true, nil
	}
	return LeafEntry{}, false, nil
}

// OpKind distinguishes the three leaf-level changes a diff can report.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one leaf-level change between two tree revisions.
type Op struct {
	Kind   OpKind
	Key    []byte
	OldVal cid.Cid
	NewVal cid.Cid
}

// Diff compares two tree revisions and returns their leaf-level
// differences in ascending key order (§4.4 "diff extraction between
// revisions", §8 diff law: replaying Diff(old,new) against old
// reproduces new). Identical roots short-circuit to no ops without
// touching the store.
func Diff(ctx context.Context, store blockstore.Store, oldRoot, newRoot cid.Cid) ([]Op, error) {
	if oldRoot.Equals(newRoot) {
		return nil, nil
	}

	oldTree := Load(store, oldRoot)
	newTree := Load(store, newRoot)
	if !oldRoot.Defined() {
		oldTree = Empty(store)
	}
	if !newRoot.Defined() {
		newTree = Empty(store)
	}

	ow, err := oldTree.WalkFrom(ctx, nil)
	if err != nil {
		return nil, err
	}
	nw, err := newTree.WalkFrom(ctx, nil)
	if err != nil {
		return nil, err
	}

	oe, ook, err := ow.Next(ctx)
	if err != nil {
		return nil, err
	}
	ne, nok, err := nw.Next(ctx)
	if err != nil {
		return nil, err
	}

	var ops []Op
	for ook || nok {
		switch {
		case ook && nok && string(oe.Key) == string(ne.Key):
			if !oe.Val.Equals(ne.Val) {
				ops = append(ops, Op{Kind: OpUpdate, Key: oe.Key, OldVal: oe.Val, NewVal: ne.Val})
			}
			oe, ook, err = ow.Next(ctx)
			if err != nil {
				return nil, err
			}
			ne, nok, err = nw.Next(ctx)
			if err != nil {
				return nil, err
			}
		case nok && (!ook || string(ne.Key) < string(oe.Key)):
			ops = append(ops, Op{Kind: OpCreate, Key: ne.Key, NewVal: ne.Val})
			ne, nok, err = nw.Next(ctx)
			if err != nil {
				return nil, err
			}
		default: // ook && (!nok || oe.Key < ne.Key)
			ops = append(ops, Op{Kind: OpDelete, Key: oe.Key, OldVal: oe.Val})
			oe, ook, err = ow.Next(ctx)
			if err != nil {
				return nil, err
			}
		}
	}
	return ops, nil
}
