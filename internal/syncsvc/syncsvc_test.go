package syncsvc

import (
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/car"
	"github.com/northfork-dev/atproto-pds/internal/repo"
	"github.com/northfork-dev/atproto-pds/internal/signing"
)

type fakeStore struct {
	bs      *blockstore.Mem
	heads   map[string]repo.Head
	records map[string][]byte
	cids    map[string]cid.Cid
}

func newFakeStore() *fakeStore {
	return &fakeStore{bs: blockstore.NewMem(), heads: map[string]repo.Head{}, records: map[string][]byte{}, cids: map[string]cid.Cid{}}
}

func (f *fakeStore) Blockstore() blockstore.Store { return f.bs }

func (f *fakeStore) GetHead(_ context.Context, did string) (*repo.Head, error) {
	h, ok := f.heads[did]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (f *fakeStore) GetRecord(_ context.Context, uri string) (cid.Cid, []byte, error) {
	j, ok := f.records[uri]
	if !ok {
		return cid.Undef, nil, nil
	}
	return f.cids[uri], j, nil
}

func (f *fakeStore) RunCommit(ctx context.Context, did string, fn func(ctx context.Context, tx repo.CommitTx) error) error {
	return fn(ctx, &fakeTx{f})
}

type fakeTx struct{ f *fakeStore }

func (t *fakeTx) PutBlocks(ctx context.Context, blocks map[string][]byte) error {
	return t.f.bs.PutMany(ctx, blocks)
}

func (t *fakeTx) ApplyRecords(_ context.Context, records []repo.StagedRecord) error {
	for _, r := range records {
		if r.Deleted {
			delete(t.f.records, r.URI)
			delete(t.f.cids, r.URI)
			continue
		}
		t.f.records[r.URI] = r.JSON
		t.f.cids[r.URI] = r.Cid
	}
	return nil
}

func (t *fakeTx) SetHead(_ context.Context, head repo.Head) error {
	t.f.heads[head.DID] = head
	return nil
}

var seqCounter uint64

func (t *fakeTx) AppendCommitLog(_ context.Context, entry repo.CommitLogEntry) (uint64, error) {
	seqCounter++
	return seqCounter, nil
}

func testKey(t *testing.T) *signing.Key {
	t.Helper()
	k, err := signing.Generate(signing.KindEd25519)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestRepoSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := repo.New("did:plc:test", store, testKey(t))

	if _, err := r.CreateRecord(ctx, "app.bsky.feed.post", "aaa", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := RepoSnapshot(ctx, store, "did:plc:test", &buf); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	roots, blocks, err := car.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}
	if len(blocks) < 3 {
		t.Fatalf("expected at least commit+mst+record blocks, got %d", len(blocks))
	}
	if _, ok := blocks[roots[0].KeyString()]; !ok {
		t.Fatal("expected root block present in car")
	}
}

func TestRecordProofRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := repo.New("did:plc:test", store, testKey(t))

	if _, err := r.CreateRecord(ctx, "app.bsky.feed.post", "bbb", map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := RecordProof(ctx, store, "did:plc:test", "app.bsky.feed.post", "bbb", &buf); err != nil {
		t.Fatalf("proof: %v", err)
	}

	roots, blocks, err := car.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}
	if len(blocks) == 0 {
		t.Fatal("expected non-empty proof blocks")
	}
}

func TestRecordProofMissingRecordErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := repo.New("did:plc:test", store, testKey(t))
	if _, err := r.CreateRecord(ctx, "app.bsky.feed.post", "ccc", map[string]any{"text": "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := RecordProof(ctx, store, "did:plc:test", "app.bsky.feed.post", "nonexistent", &buf); err == nil {
		t.Fatal("expected error for missing record")
	}
}
