package repo

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
)

// Head is the durable `(did, commit_cid, rev)` row mutated only by the
// commit pipeline (§3 Repo head, §6.1 repo_root).
type Head struct {
	DID       string
	CommitCID cid.Cid
	Rev       string
}

// CommitLogEntry is one append-only row in commit_log (§6.1).
type CommitLogEntry struct {
	Seq      uint64
	Cid      cid.Cid
	Rev      string
	DataJSON []byte
	SigB64   string
	TsMs     int64
}

// StagedRecord is a pending write to the sidecar `record` table (§4.5
// "sidecar record table"), applied atomically alongside the MST and
// head update.
type StagedRecord struct {
	URI     string
	Deleted bool
	Cid     cid.Cid
	JSON    []byte
}

// CommitTx is the single atomic unit that persists one commit: new
// blocks, sidecar record rows, the new head, and the commit-log
// append, all or nothing (§4.5 step 7). AppendCommitLog returns the
// seq assigned to the row (a Postgres BIGSERIAL in the real backend),
// which the caller then hands to the firehose sequencer (§4.7) so the
// two never disagree about ordering.
type CommitTx interface {
	PutBlocks(ctx context.Context, blocks map[string][]byte) error
	ApplyRecords(ctx context.Context, records []StagedRecord) error
	SetHead(ctx context.Context, head Head) error
	AppendCommitLog(ctx context.Context, entry CommitLogEntry) (uint64, error)
}

// Store is the durable backing for one repo's commit pipeline.
type Store interface {
	Blockstore() blockstore.Store
	GetHead(ctx context.Context, did string) (*Head, error)
	GetRecord(ctx context.Context, uri string) (cid.Cid, []byte, error) // cid.Undef, nil, nil if absent
	RunCommit(ctx context.Context, did string, fn func(ctx context.Context, tx CommitTx) error) error
}
