// Package gc implements the two independent retention policies of
// §4.9: commit-log pruning and blockstore garbage collection, both
// parameterised by a KEEP threshold and safe to re-run at any time.
package gc

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/mst"
	"github.com/northfork-dev/atproto-pds/internal/repo"
)

// DefaultKeep is the default retention window (§4.9, §6.4 retention_commits).
const DefaultKeep = 10000

// CommitRow is the minimal commit_log identity GC needs; the commit's
// data root and prev pointer are read from the commit block itself
// rather than duplicated in the row (§6.1 only stores cid/rev/data/sig/ts).
type CommitRow struct {
	Seq uint64
	Cid cid.Cid
}

// CommitLog is the durable commit_log access GC needs.
type CommitLog interface {
	// LatestN returns up to n most recent rows, newest first.
	LatestN(ctx context.Context, n int) ([]CommitRow, error)
	// PruneBefore deletes rows with seq < threshold and reports the count removed.
	PruneBefore(ctx context.Context, threshold uint64) (int64, error)
}

func keepOrDefault(keep int) int {
	if keep <= 0 {
		return DefaultKeep
	}
	return keep
}

// PruneCommitLog deletes commit_log rows older than the (keep+1)th
// most recent row (§4.9.1). A no-op when fewer than keep+1 rows exist.
func PruneCommitLog(ctx context.Context, log CommitLog, keep int) (int64, error) {
	keep = keepOrDefault(keep)
	rows, err := log.LatestN(ctx, keep+1)
	if err != nil {
		return 0, fmt.Errorf("gc: load latest commit rows: %w", err)
	}
	if len(rows) <= keep {
		return 0, nil
	}
	threshold := rows[len(rows)-1].Seq
	n, err := log.PruneBefore(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("gc: prune commit log: %w", err)
	}
	return n, nil
}

// referencedSet computes the union, over the latest keep commits, of
// every block CID that must survive: the commit itself, its prev
// pointer, its MST root, every MST node reachable from that root, and
// every record CID those MSTs reference (§4.9.2).
func referencedSet(ctx context.Context, log CommitLog, bs blockstore.Store, keep int) (map[string]bool, error) {
	keep = keepOrDefault(keep)
	rows, err := log.LatestN(ctx, keep)
	if err != nil {
		return nil, fmt.Errorf("gc: load latest commit rows: %w", err)
	}

	refs := make(map[string]bool, len(rows)*4)
	for _, row := range rows {
		refs[row.Cid.KeyString()] = true

		raw, err := bs.Get(ctx, row.Cid)
		if err != nil {
			return nil, fmt.Errorf("gc: fetch commit %s: %w", row.Cid, err)
		}
		if raw == nil {
			// Already pruned from under us by a concurrent GC pass; the
			// commit-log row for it should also be gone soon. Skip rather
			// than fail the whole sweep.
			continue
		}
		commit, err := repo.DecodeCommit(raw)
		if err != nil {
			return nil, fmt.Errorf("gc: decode commit %s: %w", row.Cid, err)
		}
		if commit.Prev != nil {
			refs[commit.Prev.KeyString()] = true
		}
		if !commit.Data.Defined() {
			continue
		}
		refs[commit.Data.KeyString()] = true

		nodes, leaves, err := mst.Reachable(ctx, bs, commit.Data)
		if err != nil {
			return nil, fmt.Errorf("gc: walk mst for commit %s: %w", row.Cid, err)
		}
		for _, c := range nodes {
			refs[c.KeyString()] = true
		}
		for _, c := range leaves {
			refs[c.KeyString()] = true
		}
	}
	return refs, nil
}

// SweepBlockstore deletes every block not referenced by the latest
// keep commits (§4.9.2). It never touches the live head directly —
// only blocks outside the referenced set, which by construction
// excludes the current head's commit, root, and contents as long as
// the head is among the latest keep rows.
func SweepBlockstore(ctx context.Context, log CommitLog, bs blockstore.Store, keep int) (int64, error) {
	refs, err := referencedSet(ctx, log, bs, keep)
	if err != nil {
		return 0, err
	}

	ids, err := bs.IterCIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("gc: iterate blockstore: %w", err)
	}

	var deleted int64
	for c := range ids {
		if refs[c.KeyString()] {
			continue
		}
		if err := bs.Delete(ctx, c); err != nil {
			return deleted, fmt.Errorf("gc: delete %s: %w", c, err)
		}
		deleted++
	}
	return deleted, nil
}
