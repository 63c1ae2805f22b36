package mst

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/cidutil"
)

func ctx() context.Context { return context.Background() }

func valFor(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := cidutil.SumDagCBOR([]byte(s))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	return c
}

func mustCommit(t *testing.T, tr *Tree) (*Tree, cid.Cid) {
	t.Helper()
	root, dirty, err := tr.GetUnstoredBlocks(ctx())
	if err != nil {
		t.Fatalf("get_unstored_blocks: %v", err)
	}
	if err := tr.store.PutMany(ctx(), dirty); err != nil {
		t.Fatalf("put_many: %v", err)
	}
	return Load(tr.store, root), root
}

func TestValidateKey(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"app.bsky.feed.post/3jui7h", true},
		{"com.example/abc", true},
		{"noslash", false},
		{"a/b/c", false},
		{"nodot/abc", false},
		{"app.bsky.feed.post/", false},
		{"/abc", false},
		{"app.bsky.feed.post/has space", false},
	}
	for _, c := range cases {
		err := ValidateKey([]byte(c.key))
		if (err == nil) != c.ok {
			t.Errorf("ValidateKey(%q): got err=%v, want ok=%v", c.key, err, c.ok)
		}
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	store := blockstore.NewMem()
	tr := Empty(store)

	keys := []string{
		"app.bsky.feed.post/a", "app.bsky.feed.post/b", "app.bsky.feed.post/c",
		"app.bsky.feed.like/x", "app.bsky.feed.like/y", "app.bsky.actor.profile/self",
	}
	for _, k := range keys {
		var err error
		tr, err = tr.Add(ctx(), []byte(k), valFor(t, k))
		if err != nil {
			t.Fatalf("add %s: %v", k, err)
		}
	}
	tr, _ = mustCommit(t, tr)

	for _, k := range keys {
		got, err := tr.Get(ctx(), []byte(k))
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		if !got.Equals(valFor(t, k)) {
			t.Errorf("get %s: value mismatch", k)
		}
	}

	missing, err := tr.Get(ctx(), []byte("app.bsky.feed.post/nope"))
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing.Defined() {
		t.Errorf("expected undef for missing key, got %s", missing)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	store := blockstore.NewMem()
	tr, _ := Create(ctx(), store, []LeafEntry{{Key: []byte("a.b/c"), Val: valFor(t, "v")}})
	if _, err := tr.Add(ctx(), []byte("a.b/c"), valFor(t, "v2")); err == nil {
		t.Fatal("expected ErrKeyExists")
	}
}

func TestDeleteThenMissing(t *testing.T) {
	store := blockstore.NewMem()
	keys := []string{"a.b/1", "a.b/2", "a.b/3", "a.b/4", "a.b/5"}
	var leaves []LeafEntry
	for _, k := range keys {
		leaves = append(leaves, LeafEntry{Key: []byte(k), Val: valFor(t, k)})
	}
	tr, err := Create(ctx(), store, leaves)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tr, _ = mustCommit(t, tr)

	tr, err = tr.Delete(ctx(), []byte("a.b/3"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	tr, _ = mustCommit(t, tr)

	v, err := tr.Get(ctx(), []byte("a.b/3"))
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if v.Defined() {
		t.Errorf("expected deleted key to be absent")
	}
	for _, k := range []string{"a.b/1", "a.b/2", "a.b/4", "a.b/5"} {
		if got, err := tr.Get(ctx(), []byte(k)); err != nil || !got.Equals(valFor(t, k)) {
			t.Errorf("surviving key %s broken: got=%s err=%v", k, got, err)
		}
	}

	if _, err := tr.Delete(ctx(), []byte("a.b/3")); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestUpdateChangesValueOnly(t *testing.T) {
	store := blockstore.NewMem()
	tr, _ := Create(ctx(), store, []LeafEntry{
		{Key: []byte("a.b/1"), Val: valFor(t, "v1")},
		{Key: []byte("a.b/2"), Val: valFor(t, "v2")},
	})
	tr, err := tr.Update(ctx(), []byte("a.b/1"), valFor(t, "v1-new"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := tr.Get(ctx(), []byte("a.b/1"))
	if !got.Equals(valFor(t, "v1-new")) {
		t.Errorf("update did not take effect")
	}
	if _, err := tr.Update(ctx(), []byte("a.b/missing"), valFor(t, "x")); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound for missing update, got %v", err)
	}
}

// TestCreationOrderIndependence is the §8 invariant: the final root CID
// depends only on the key set, never on insertion order.
func TestCreationOrderIndependence(t *testing.T) {
	keys := []string{
		"app.bsky.feed.post/1", "app.bsky.feed.post/2", "app.bsky.feed.post/3",
		"app.bsky.feed.post/4", "app.bsky.feed.post/5", "app.bsky.feed.like/a",
		"app.bsky.feed.like/b", "app.bsky.graph.follow/x", "app.bsky.actor.profile/self",
	}

	orderA := append([]string{}, keys...)
	orderB := append([]string{}, keys...)
	sort.Sort(sort.Reverse(sort.StringSlice(orderB)))

	build := func(order []string) cid.Cid {
		store := blockstore.NewMem()
		tr := Empty(store)
		for _, k := range order {
			var err error
			tr, err = tr.Add(ctx(), []byte(k), valFor(t, k))
			if err != nil {
				t.Fatalf("add %s: %v", k, err)
			}
		}
		root, err := tr.GetPointer(ctx())
		if err != nil {
			t.Fatalf("get_pointer: %v", err)
		}
		return root
	}

	rootA := build(orderA)
	rootB := build(orderB)
	if !rootA.Equals(rootB) {
		t.Errorf("root CID depends on insertion order: %s vs %s", rootA, rootB)
	}
}

func TestDiffCreateUpdateDelete(t *testing.T) {
	store := blockstore.NewMem()
	tr1, _ := Create(ctx(), store, []LeafEntry{
		{Key: []byte("a.b/1"), Val: valFor(t, "v1")},
		{Key: []byte("a.b/2"), Val: valFor(t, "v2")},
		{Key: []byte("a.b/3"), Val: valFor(t, "v3")},
	})
	tr1, root1 := mustCommit(t, tr1)

	tr2, err := tr1.Update(ctx(), []byte("a.b/2"), valFor(t, "v2-new"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	tr2, err = tr2.Delete(ctx(), []byte("a.b/3"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	tr2, err = tr2.Add(ctx(), []byte("a.b/4"), valFor(t, "v4"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	tr2, root2 := mustCommit(t, tr2)
	_ = tr2

	ops, err := Diff(ctx(), store, root1, root2)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d: %+v", len(ops), ops)
	}

	byKey := map[string]Op{}
	for _, op := range ops {
		byKey[string(op.Key)] = op
	}
	if op, ok := byKey["a.b/2"]; !ok || op.Kind != OpUpdate {
		t.Errorf("expected update op for a.b/2, got %+v ok=%v", op, ok)
	}
	if op, ok := byKey["a.b/3"]; !ok || op.Kind != OpDelete {
		t.Errorf("expected delete op for a.b/3, got %+v ok=%v", op, ok)
	}
	if op, ok := byKey["a.b/4"]; !ok || op.Kind != OpCreate {
		t.Errorf("expected create op for a.b/4, got %+v ok=%v", op, ok)
	}
}

func TestDiffIdenticalRootsShortCircuits(t *testing.T) {
	store := blockstore.NewMem()
	tr, _ := Create(ctx(), store, []LeafEntry{{Key: []byte("a.b/1"), Val: valFor(t, "v1")}})
	_, root := mustCommit(t, tr)

	ops, err := Diff(ctx(), store, root, root)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("expected no ops for identical roots, got %+v", ops)
	}
}

func TestMissingBlockError(t *testing.T) {
	store := blockstore.NewMem()
	bogus, err := cidutil.SumDagCBOR([]byte("not actually stored"))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	tr := Load(store, bogus)
	_, err = tr.Get(ctx(), []byte("a.b/1"))
	var mbe *MissingBlockError
	if err == nil {
		t.Fatal("expected MissingBlockError")
	}
	if !errorsAs(err, &mbe) {
		t.Errorf("expected *MissingBlockError, got %T: %v", err, err)
	}
}

func errorsAs(err error, target **MissingBlockError) bool {
	if e, ok := err.(*MissingBlockError); ok {
		*target = e
		return true
	}
	return false
}

func TestListWithPrefix(t *testing.T) {
	store := blockstore.NewMem()
	var leaves []LeafEntry
	for i := 0; i < 5; i++ {
		k := fmt.Sprintf("app.bsky.feed.post/%d", i)
		leaves = append(leaves, LeafEntry{Key: []byte(k), Val: valFor(t, k)})
	}
	leaves = append(leaves, LeafEntry{Key: []byte("app.bsky.feed.like/0"), Val: valFor(t, "like0")})
	tr, err := Create(ctx(), store, leaves)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := tr.ListWithPrefix(ctx(), []byte("app.bsky.feed.post/"), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 posts, got %d", len(got))
	}
	for i, le := range got {
		want := fmt.Sprintf("app.bsky.feed.post/%d", i)
		if string(le.Key) != want {
			t.Errorf("out of order: got %s want %s", le.Key, want)
		}
	}

	limited, err := tr.ListWithPrefix(ctx(), []byte("app.bsky.feed.post/"), 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 results with limit, got %d", len(limited))
	}
}
