// Package syncsvc implements the three CAR builders behind
// com.atproto.sync (§4.8): full repo snapshots, commit-range slices,
// and per-record Merkle proofs. Every builder streams through a
// car.Writer so memory use stays O(one block).
package syncsvc

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/car"
	"github.com/northfork-dev/atproto-pds/internal/mst"
	"github.com/northfork-dev/atproto-pds/internal/repo"
)

// CommitRangeRow names one commit in an inclusive seq range.
type CommitRangeRow struct {
	Seq uint64
	Cid cid.Cid
}

// CommitLogRange is the durable commit_log reader commit_range needs.
type CommitLogRange interface {
	RangeInclusive(ctx context.Context, fromSeq, toSeq uint64) ([]CommitRangeRow, error)
}

// blockWriter dedups by CID so a record or node reachable through
// multiple paths is only ever framed once.
type blockWriter struct {
	cw   *car.Writer
	seen map[string]bool
}

func newBlockWriter(cw *car.Writer) *blockWriter {
	return &blockWriter{cw: cw, seen: make(map[string]bool)}
}

func (b *blockWriter) write(c cid.Cid, raw []byte) error {
	key := c.KeyString()
	if b.seen[key] {
		return nil
	}
	b.seen[key] = true
	return b.cw.WriteBlock(c, raw)
}

func (b *blockWriter) writeFromStore(ctx context.Context, bs blockstore.Store, c cid.Cid) error {
	if b.seen[c.KeyString()] {
		return nil
	}
	raw, err := bs.Get(ctx, c)
	if err != nil {
		return fmt.Errorf("syncsvc: fetch block %s: %w", c, err)
	}
	if raw == nil {
		return fmt.Errorf("syncsvc: block %s missing", c)
	}
	return b.write(c, raw)
}

// RepoSnapshot streams a CAR rooted at the repo's latest signed
// commit, containing the commit block plus every MST node and record
// reachable from it (§4.8 repo_snapshot). It requires byte-for-byte
// reconstitution of the signed commit: the commit is re-encoded from
// its decoded fields and the resulting CID must match the head
// commit_cid exactly, or the snapshot falls back to a freshly-built
// ad-hoc commit block over the same MST root.
func RepoSnapshot(ctx context.Context, store repo.Store, did string, w io.Writer) error {
	head, err := store.GetHead(ctx, did)
	if err != nil {
		return fmt.Errorf("syncsvc: load head: %w", err)
	}
	if head == nil {
		return fmt.Errorf("syncsvc: no repo for %s", did)
	}
	bs := store.Blockstore()

	commitRaw, err := bs.Get(ctx, head.CommitCID)
	if err != nil {
		return fmt.Errorf("syncsvc: fetch head commit: %w", err)
	}
	if commitRaw == nil {
		return fmt.Errorf("syncsvc: head commit %s missing", head.CommitCID)
	}
	commit, err := repo.DecodeCommit(commitRaw)
	if err != nil {
		return fmt.Errorf("syncsvc: decode head commit: %w", err)
	}

	rootCID, rootRaw := head.CommitCID, commitRaw
	if recomputedCID, recomputedRaw, encErr := commit.Encode(); encErr == nil && !recomputedCID.Equals(head.CommitCID) {
		// Re-encoding drifted from the signed bytes on disk: fall back to
		// the freshly-built block rather than ship an internally
		// inconsistent root (§4.8, §9 open question on encoding drift).
		rootCID, rootRaw = recomputedCID, recomputedRaw
	}

	cw, err := car.NewWriter(w, []cid.Cid{rootCID})
	if err != nil {
		return err
	}
	bw := newBlockWriter(cw)
	if err := bw.write(rootCID, rootRaw); err != nil {
		return err
	}

	nodes, leaves, err := mst.Reachable(ctx, bs, commit.Data)
	if err != nil {
		return fmt.Errorf("syncsvc: walk mst: %w", err)
	}
	for _, nc := range nodes {
		if err := bw.writeFromStore(ctx, bs, nc); err != nil {
			return err
		}
	}
	for _, lc := range leaves {
		if err := bw.writeFromStore(ctx, bs, lc); err != nil {
			return err
		}
	}
	return cw.Flush()
}

// CommitRange streams a CAR of the commit blocks in [fromSeq, toSeq]
// (§4.8 commit_range). Firehose replay does not use it; it rebuilds
// frames through firehose.BlockFrameSource.
func CommitRange(ctx context.Context, log CommitLogRange, bs blockstore.Store, fromSeq, toSeq uint64, w io.Writer) error {
	rows, err := log.RangeInclusive(ctx, fromSeq, toSeq)
	if err != nil {
		return fmt.Errorf("syncsvc: query commit range: %w", err)
	}
	roots := make([]cid.Cid, len(rows))
	for i, r := range rows {
		roots[i] = r.Cid
	}
	cw, err := car.NewWriter(w, roots)
	if err != nil {
		return err
	}
	bw := newBlockWriter(cw)
	for _, r := range rows {
		if err := bw.writeFromStore(ctx, bs, r.Cid); err != nil {
			return err
		}
	}
	return cw.Flush()
}

// RecordProof streams a CAR containing the record block plus every
// MST node on the path from the repo root to its leaf — a verifiable
// Merkle inclusion proof (§4.8 record_proof).
func RecordProof(ctx context.Context, store repo.Store, did, collection, rkey string, w io.Writer) error {
	head, err := store.GetHead(ctx, did)
	if err != nil {
		return fmt.Errorf("syncsvc: load head: %w", err)
	}
	if head == nil {
		return fmt.Errorf("syncsvc: no repo for %s", did)
	}
	bs := store.Blockstore()
	commitRaw, err := bs.Get(ctx, head.CommitCID)
	if err != nil || commitRaw == nil {
		return fmt.Errorf("syncsvc: fetch head commit: %w", err)
	}
	commit, err := repo.DecodeCommit(commitRaw)
	if err != nil {
		return err
	}

	key := []byte(collection + "/" + rkey)
	path, leaf, found, err := mst.ProofPath(ctx, bs, commit.Data, key)
	if err != nil {
		return fmt.Errorf("syncsvc: walk proof path: %w", err)
	}
	if !found {
		return fmt.Errorf("syncsvc: record %s not found", key)
	}

	cw, err := car.NewWriter(w, []cid.Cid{leaf})
	if err != nil {
		return err
	}
	bw := newBlockWriter(cw)
	if err := bw.writeFromStore(ctx, bs, leaf); err != nil {
		return err
	}
	for _, nc := range path {
		if err := bw.writeFromStore(ctx, bs, nc); err != nil {
			return err
		}
	}
	return cw.Flush()
}
