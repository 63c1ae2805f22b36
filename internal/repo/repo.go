// Package repo implements the commit pipeline (§4.5): it loads the
// current MST via the repo head, applies a batch of writes, persists
// new blocks, signs a new commit, and atomically advances the head.
package repo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/car"
	"github.com/northfork-dev/atproto-pds/internal/cidutil"
	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
	"github.com/northfork-dev/atproto-pds/internal/mst"
	"github.com/northfork-dev/atproto-pds/internal/signing"
	"github.com/northfork-dev/atproto-pds/internal/tid"
)

// CommitResult is the return value of ApplyWrites (§4.5 step 8). It
// carries everything the firehose sequencer (§4.7) needs to publish a
// #commit frame without re-reading the commit back from storage.
type CommitResult struct {
	DID       string
	Seq       uint64
	CommitCID cid.Cid
	PrevCID   *cid.Cid
	Rev       string
	PrevRev   string
	DataRoot  cid.Cid
	Ops       []mst.Op
	Car       []byte
	Blobs     []cid.Cid
}

// Repo drives the commit pipeline for a single DID.
type Repo struct {
	did   string
	store Store
	key   *signing.Key
	clock *tid.Clock

	// mu serialises ApplyWrites (§5): the pipeline is single-writer,
	// load-head-then-commit with no compare-and-swap, so two callers
	// racing on the same head would otherwise silently clobber one
	// another's commit.
	mu sync.Mutex
}

// New builds a Repo bound to one DID's storage and signing key.
func New(did string, store Store, key *signing.Key) *Repo {
	return &Repo{did: did, store: store, key: key, clock: tid.NewClock()}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// ApplyWrites is the batched write entry point (§4.5). The whole
// load-head/build-tree/commit pipeline runs under r.mu so concurrent
// callers serialise instead of interleaving (§5).
func (r *Repo) ApplyWrites(ctx context.Context, writes []Write) (*CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.store.GetHead(ctx, r.did)
	if err != nil {
		return nil, fmt.Errorf("repo: load head: %w", err)
	}

	bs := r.store.Blockstore()
	var tree *mst.Tree
	var prevRoot cid.Cid
	var prevRev string
	var prevCommitCID *cid.Cid

	if head == nil {
		tree = mst.Empty(bs)
	} else {
		commitRaw, err := bs.Get(ctx, head.CommitCID)
		if err != nil {
			return nil, fmt.Errorf("repo: load head commit: %w", err)
		}
		if commitRaw == nil {
			return nil, fmt.Errorf("repo: head commit block %s missing", head.CommitCID)
		}
		prevCommit, err := DecodeCommit(commitRaw)
		if err != nil {
			return nil, fmt.Errorf("repo: decode head commit: %w", err)
		}
		tree = mst.Load(bs, prevCommit.Data)
		prevRoot = prevCommit.Data
		prevRev = head.Rev
		cc := head.CommitCID
		prevCommitCID = &cc
	}

	newBlocks := make(map[string][]byte)
	var staged []StagedRecord

	for i, w := range writes {
		switch w.Kind {
		case WriteCreate:
			rkey := w.Rkey
			if rkey == "" {
				rkey = r.clock.Next(nowMicros())
			}
			key := w.Collection + "/" + rkey
			recCID, recRaw, err := encodeRecord(w.Value)
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			newBlocks[recCID.KeyString()] = recRaw
			tree, err = tree.Add(ctx, []byte(key), recCID)
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			recJSON, err := recordJSON(w.Value)
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			staged = append(staged, StagedRecord{URI: uri(r.did, w.Collection, rkey), Cid: recCID, JSON: recJSON})

		case WriteUpdate:
			key := w.Collection + "/" + w.Rkey
			recCID, recRaw, err := encodeRecord(w.Value)
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			newBlocks[recCID.KeyString()] = recRaw
			tree, err = tree.Update(ctx, []byte(key), recCID)
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			recJSON, err := recordJSON(w.Value)
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			staged = append(staged, StagedRecord{URI: uri(r.did, w.Collection, w.Rkey), Cid: recCID, JSON: recJSON})

		case WriteDelete:
			key := w.Collection + "/" + w.Rkey
			var err error
			tree, err = tree.Delete(ctx, []byte(key))
			if err != nil {
				return nil, &InvalidRequestError{Index: i, Err: err}
			}
			staged = append(staged, StagedRecord{URI: uri(r.did, w.Collection, w.Rkey), Deleted: true})

		default:
			return nil, &InvalidRequestError{Index: i, Err: fmt.Errorf("unknown write kind")}
		}
	}

	newRoot, dirtyMST, err := tree.GetUnstoredBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: serialize mst: %w", err)
	}
	for k, v := range dirtyMST {
		newBlocks[k] = v
	}

	rev, err := r.clock.StrictlyGreaterThan(nowMicros(), prevRev)
	if err != nil {
		return nil, fmt.Errorf("repo: mint rev: %w", err)
	}

	commit := &Commit{DID: r.did, Data: newRoot, Rev: rev, Prev: prevCommitCID}
	if err := commit.Sign(r.key); err != nil {
		return nil, fmt.Errorf("repo: sign commit: %w", err)
	}
	commitCID, commitRaw, err := commit.Encode()
	if err != nil {
		return nil, fmt.Errorf("repo: encode commit: %w", err)
	}
	newBlocks[commitCID.KeyString()] = commitRaw

	ops, err := mst.Diff(ctx, bs, prevRoot, newRoot)
	if err != nil {
		return nil, fmt.Errorf("repo: diff: %w", err)
	}

	logData, err := json.Marshal(commit.toMap(false))
	if err != nil {
		return nil, fmt.Errorf("repo: marshal commit log data: %w", err)
	}

	var seq uint64
	err = r.store.RunCommit(ctx, r.did, func(ctx context.Context, tx CommitTx) error {
		if err := tx.PutBlocks(ctx, newBlocks); err != nil {
			return err
		}
		if err := tx.ApplyRecords(ctx, staged); err != nil {
			return err
		}
		if err := tx.SetHead(ctx, Head{DID: r.did, CommitCID: commitCID, Rev: rev}); err != nil {
			return err
		}
		s, err := tx.AppendCommitLog(ctx, CommitLogEntry{
			Cid:      commitCID,
			Rev:      rev,
			DataJSON: logData,
			SigB64:   base64.StdEncoding.EncodeToString(commit.Sig),
			TsMs:     time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		seq = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: commit transaction: %w", err)
	}

	carBytes, err := car.Encode([]cid.Cid{commitCID}, newBlocks)
	if err != nil {
		return nil, fmt.Errorf("repo: build commit car: %w", err)
	}

	return &CommitResult{
		DID:       r.did,
		Seq:       seq,
		CommitCID: commitCID,
		PrevCID:   prevCommitCID,
		Rev:       rev,
		PrevRev:   prevRev,
		DataRoot:  newRoot,
		Ops:       ops,
		Car:       carBytes,
	}, nil
}

// CreateRecord, PutRecord, and DeleteRecord are the single-write
// derived helpers over apply_writes (§4.5 "Derived helpers").
func (r *Repo) CreateRecord(ctx context.Context, collection, rkey string, value map[string]any) (*CommitResult, error) {
	return r.ApplyWrites(ctx, []Write{{Kind: WriteCreate, Collection: collection, Rkey: rkey, Value: value}})
}

func (r *Repo) PutRecord(ctx context.Context, collection, rkey string, value map[string]any) (*CommitResult, error) {
	return r.ApplyWrites(ctx, []Write{{Kind: WriteUpdate, Collection: collection, Rkey: rkey, Value: value}})
}

func (r *Repo) DeleteRecord(ctx context.Context, collection, rkey string) (*CommitResult, error) {
	return r.ApplyWrites(ctx, []Write{{Kind: WriteDelete, Collection: collection, Rkey: rkey}})
}

// GetRecord reads the current value via the sidecar table (§6.2
// com.atproto.repo.getRecord).
func (r *Repo) GetRecord(ctx context.Context, collection, rkey string) (cid.Cid, []byte, error) {
	return r.store.GetRecord(ctx, uri(r.did, collection, rkey))
}

// ListRecords walks the MST under a collection prefix (§6.2
// com.atproto.repo.listRecords), returning each leaf's key and record
// CID; record blocks are not loaded.
func (r *Repo) ListRecords(ctx context.Context, collection string, limit int) ([]mst.LeafEntry, error) {
	head, err := r.store.GetHead(ctx, r.did)
	if err != nil {
		return nil, fmt.Errorf("repo: load head: %w", err)
	}
	if head == nil {
		return nil, nil
	}
	bs := r.store.Blockstore()
	commitRaw, err := bs.Get(ctx, head.CommitCID)
	if err != nil || commitRaw == nil {
		return nil, fmt.Errorf("repo: load head commit: %w", err)
	}
	commit, err := DecodeCommit(commitRaw)
	if err != nil {
		return nil, err
	}
	tree := mst.Load(bs, commit.Data)
	return tree.ListWithPrefix(ctx, []byte(collection+"/"), limit)
}

// DescribeRepo returns the current head (§6.2 com.atproto.sync.getHead,
// getRepoStatus).
func (r *Repo) DescribeRepo(ctx context.Context) (*Head, error) {
	return r.store.GetHead(ctx, r.did)
}

func encodeRecord(value map[string]any) (cid.Cid, []byte, error) {
	raw, err := dagcbor.Marshal(value)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("encode record: %w", err)
	}
	c, err := cidutil.SumDagCBOR(raw)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, raw, nil
}

func recordJSON(value map[string]any) ([]byte, error) {
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal record json: %w", err)
	}
	return out, nil
}
