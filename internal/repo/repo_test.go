package repo

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/cidutil"
	"github.com/northfork-dev/atproto-pds/internal/signing"
)

// memStore is a minimal in-memory Store used only to exercise the
// commit pipeline in isolation from the database package.
type memStore struct {
	bs      *blockstore.Mem
	heads   map[string]Head
	records map[string][]byte // uri -> json; presence implies an entry
	cids    map[string]cid.Cid
	log     []CommitLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		bs:      blockstore.NewMem(),
		heads:   map[string]Head{},
		records: map[string][]byte{},
		cids:    map[string]cid.Cid{},
	}
}

func (m *memStore) Blockstore() blockstore.Store { return m.bs }

func (m *memStore) GetHead(_ context.Context, did string) (*Head, error) {
	h, ok := m.heads[did]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *memStore) GetRecord(_ context.Context, uri string) (cid.Cid, []byte, error) {
	j, ok := m.records[uri]
	if !ok {
		return cid.Undef, nil, nil
	}
	return m.cids[uri], j, nil
}

func (m *memStore) RunCommit(ctx context.Context, did string, fn func(ctx context.Context, tx CommitTx) error) error {
	tx := &memTx{m: m}
	return fn(ctx, tx)
}

type memTx struct{ m *memStore }

func (t *memTx) PutBlocks(ctx context.Context, blocks map[string][]byte) error {
	return t.m.bs.PutMany(ctx, blocks)
}

func (t *memTx) ApplyRecords(_ context.Context, records []StagedRecord) error {
	for _, r := range records {
		if r.Deleted {
			delete(t.m.records, r.URI)
			delete(t.m.cids, r.URI)
			continue
		}
		t.m.records[r.URI] = r.JSON
		t.m.cids[r.URI] = r.Cid
	}
	return nil
}

func (t *memTx) SetHead(_ context.Context, head Head) error {
	t.m.heads[head.DID] = head
	return nil
}

func (t *memTx) AppendCommitLog(_ context.Context, entry CommitLogEntry) (uint64, error) {
	entry.Seq = uint64(len(t.m.log)) + 1
	t.m.log = append(t.m.log, entry)
	return entry.Seq, nil
}

func testKey(t *testing.T) *signing.Key {
	t.Helper()
	k, err := signing.Generate(signing.KindEd25519)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

// TestScenario1SingleRecord is the §8 concrete scenario 1.
func TestScenario1SingleRecord(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New("did:plc:test", store, testKey(t))

	res, err := r.CreateRecord(ctx, "app.bsky.feed.post", "3kabc", map[string]any{
		"text":      "hi",
		"createdAt": "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if len(res.Rev) != 13 {
		t.Errorf("expected 13-char rev, got %q (%d)", res.Rev, len(res.Rev))
	}

	c, _, err := r.GetRecord(ctx, "app.bsky.feed.post", "3kabc")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !c.Defined() {
		t.Fatal("expected record to exist")
	}

	leaves, err := r.ListRecords(ctx, "app.bsky.feed.post", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(leaves) != 1 {
		t.Fatalf("expected 1 leaf, got %d", len(leaves))
	}
}

// TestScenario2BatchDiff is the §8 concrete scenario 2.
func TestScenario2BatchDiff(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New("did:plc:test", store, testKey(t))

	second, err := r.ApplyWrites(ctx, []Write{
		{Kind: WriteCreate, Collection: "a.b", Rkey: "a", Value: map[string]any{"v": int64(1)}},
		{Kind: WriteCreate, Collection: "a.b", Rkey: "b", Value: map[string]any{"v": int64(2)}},
		{Kind: WriteUpdate, Collection: "a.b", Rkey: "b", Value: map[string]any{"v": int64(3)}},
		{Kind: WriteDelete, Collection: "a.b", Rkey: "a"},
	})
	if err != nil {
		t.Fatalf("batch write: %v", err)
	}

	if len(second.Ops) != 1 {
		t.Fatalf("expected 1 net op (create B), got %d: %+v", len(second.Ops), second.Ops)
	}
	if second.Ops[0].Kind != 0 /* OpCreate */ || string(second.Ops[0].Key) != "a.b/b" {
		t.Errorf("expected OpCreate a.b/b, got %+v", second.Ops[0])
	}

	bVal, _, err := r.GetRecord(ctx, "a.b", "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if !bVal.Defined() {
		t.Fatal("expected b to exist")
	}
	aVal, _, err := r.GetRecord(ctx, "a.b", "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if aVal.Defined() {
		t.Error("expected a to be deleted")
	}
}

// TestSignatureRoundTrip is the §8 concrete scenario 5.
func TestSignatureRoundTrip(t *testing.T) {
	key := testKey(t)
	dataCID, err := cidutil.SumDagCBOR([]byte("dummy-mst-root"))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	c := &Commit{DID: "did:plc:test", Data: dataCID, Rev: "2222222222222"}
	if err := c.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !c.Verify(key.Public()) {
		t.Fatal("expected valid signature to verify")
	}
	c.Sig[0] ^= 0xff
	if c.Verify(key.Public()) {
		t.Fatal("expected flipped signature to fail verification")
	}
}
