package gc

import (
	"context"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/cidutil"
	"github.com/northfork-dev/atproto-pds/internal/repo"
	"github.com/northfork-dev/atproto-pds/internal/signing"
)

type memStore struct {
	bs      *blockstore.Mem
	heads   map[string]repo.Head
	records map[string][]byte
	cids    map[string]cid.Cid
	log     []CommitRow
}

func newMemStore() *memStore {
	return &memStore{bs: blockstore.NewMem(), heads: map[string]repo.Head{}, records: map[string][]byte{}, cids: map[string]cid.Cid{}}
}

func (m *memStore) Blockstore() blockstore.Store { return m.bs }

func (m *memStore) GetHead(_ context.Context, did string) (*repo.Head, error) {
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

func (m *memStore) RunCommit(ctx context.Context, did string, fn func(ctx context.Context, tx repo.CommitTx) error) error {
	return fn(ctx, &memTx{m})
}

type memTx struct{ m *memStore }

func (t *memTx) PutBlocks(ctx context.Context, blocks map[string][]byte) error {
	return t.m.bs.PutMany(ctx, blocks)
}

func (t *memTx) ApplyRecords(_ context.Context, records []repo.StagedRecord) error {
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

func (t *memTx) SetHead(_ context.Context, head repo.Head) error {
	t.m.heads[head.DID] = head
	return nil
}

func (t *memTx) AppendCommitLog(_ context.Context, entry repo.CommitLogEntry) (uint64, error) {
	seq := uint64(len(t.m.log)) + 1
	t.m.log = append(t.m.log, CommitRow{Seq: seq, Cid: entry.Cid})
	return seq, nil
}

func (m *memStore) LatestN(_ context.Context, n int) ([]CommitRow, error) {
	rows := make([]CommitRow, len(m.log))
	copy(rows, m.log)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })
	if n < len(rows) {
		rows = rows[:n]
	}
	return rows, nil
}

func (m *memStore) PruneBefore(_ context.Context, threshold uint64) (int64, error) {
	var kept []CommitRow
	var removed int64
	for _, r := range m.log {
		if r.Seq < threshold {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.log = kept
	return removed, nil
}

func testKey(t *testing.T) *signing.Key {
	t.Helper()
	k, err := signing.Generate(signing.KindEd25519)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestPruneCommitLogNoopUnderKeep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := repo.New("did:plc:test", store, testKey(t))
	for i := 0; i < 5; i++ {
		if _, err := r.CreateRecord(ctx, "a.b", "", map[string]any{"n": int64(i)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	n, err := PruneCommitLog(ctx, store, 10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no-op under keep threshold, removed %d", n)
	}
}

func TestPruneCommitLogRemovesOldRows(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := repo.New("did:plc:test", store, testKey(t))
	for i := 0; i < 5; i++ {
		if _, err := r.CreateRecord(ctx, "a.b", "", map[string]any{"n": int64(i)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	n, err := PruneCommitLog(ctx, store, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows pruned (5 - (2+1) kept), got %d", n)
	}
	if len(store.log) != 3 {
		t.Fatalf("expected 3 rows remaining, got %d", len(store.log))
	}
}

func TestSweepBlockstoreKeepsReferencedDeletesOrphans(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := repo.New("did:plc:test", store, testKey(t))

	if _, err := r.CreateRecord(ctx, "a.b", "keep", map[string]any{"v": int64(1)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	orphan := []byte{0xa0} // an empty-map CBOR block never referenced by any commit
	orphanCID, err := cidutil.SumDagCBOR(orphan)
	if err != nil {
		t.Fatalf("sum orphan: %v", err)
	}
	if err := store.bs.Put(ctx, orphanCID, orphan); err != nil {
		t.Fatalf("put orphan: %v", err)
	}

	deleted, err := SweepBlockstore(ctx, store, store.bs, 10000)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 orphan deleted, got %d", deleted)
	}

	if has, _ := store.bs.Has(ctx, orphanCID); has {
		t.Fatal("expected orphan block to be deleted")
	}
	head := store.heads["did:plc:test"]
	if has, _ := store.bs.Has(ctx, head.CommitCID); !has {
		t.Fatal("expected head commit block to survive sweep")
	}
}
