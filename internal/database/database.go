package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northfork-dev/atproto-pds/internal/blockstore"
	"github.com/northfork-dev/atproto-pds/internal/firehose"
	"github.com/northfork-dev/atproto-pds/internal/gc"
	"github.com/northfork-dev/atproto-pds/internal/repo"
	"github.com/northfork-dev/atproto-pds/internal/syncsvc"
)

// DB is the single-tenant Postgres backing for the whole core: it
// implements repo.Store for the commit pipeline, plus the read-side
// interfaces gc, syncsvc, and firehose need over the same five tables
// (§6.1).
type DB struct {
	pool *pgxpool.Pool
	bs   blockstore.Store
}

// Open connects to Postgres, verifies the connection, and bootstraps
// the schema.
func Open(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: bootstrap schema: %w", err)
	}

	return &DB{pool: pool, bs: blockstore.NewPG(pool)}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() { db.pool.Close() }

// Blockstore returns the block store backed by the same pool.
func (db *DB) Blockstore() blockstore.Store { return db.bs }

// Pool exposes the underlying connection pool for boundary packages
// (blob metadata) that need direct table access outside the commit
// pipeline.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

func (db *DB) GetHead(ctx context.Context, did string) (*repo.Head, error) {
	var h repo.Head
	var commitCIDStr string
	err := db.pool.QueryRow(ctx,
		`SELECT did, commit_cid, rev FROM repo_root WHERE did = $1`, did,
	).Scan(&h.DID, &commitCIDStr, &h.Rev)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get head: %w", err)
	}
	c, err := cid.Decode(commitCIDStr)
	if err != nil {
		return nil, fmt.Errorf("database: decode head commit cid: %w", err)
	}
	h.CommitCID = c
	return &h, nil
}

func (db *DB) GetRecord(ctx context.Context, uri string) (cid.Cid, []byte, error) {
	var cidStr string
	var j []byte
	err := db.pool.QueryRow(ctx, `SELECT cid, json FROM record WHERE uri = $1`, uri).Scan(&cidStr, &j)
	if err == pgx.ErrNoRows {
		return cid.Undef, nil, nil
	}
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("database: get record: %w", err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("database: decode record cid: %w", err)
	}
	return c, j, nil
}

// RunCommit implements repo.Store's atomic commit step (§4.5 step 7)
// as one Postgres transaction.
func (db *DB) RunCommit(ctx context.Context, did string, fn func(ctx context.Context, tx repo.CommitTx) error) error {
	pgxTx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("database: begin commit tx: %w", err)
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(ctx, &commitTx{tx: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("database: commit tx: %w", err)
	}
	return nil
}

// commitTx implements repo.CommitTx over one pgx.Tx.
type commitTx struct {
	tx pgx.Tx
}

func (c *commitTx) PutBlocks(ctx context.Context, blocks map[string][]byte) error {
	for key, raw := range blocks {
		cc, err := cid.Cast([]byte(key))
		if err != nil {
			return fmt.Errorf("database: bad block key: %w", err)
		}
		if _, err := c.tx.Exec(ctx,
			`INSERT INTO blockstore (cid, bytes) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`,
			cc.String(), raw,
		); err != nil {
			return fmt.Errorf("database: put block %s: %w", cc, err)
		}
	}
	return nil
}

func (c *commitTx) ApplyRecords(ctx context.Context, records []repo.StagedRecord) error {
	for _, r := range records {
		if r.Deleted {
			if _, err := c.tx.Exec(ctx, `DELETE FROM record WHERE uri = $1`, r.URI); err != nil {
				return fmt.Errorf("database: delete record %s: %w", r.URI, err)
			}
			continue
		}
		did := didFromURI(r.URI)
		if _, err := c.tx.Exec(ctx,
			`INSERT INTO record (uri, did, cid, json) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (uri) DO UPDATE SET cid = excluded.cid, json = excluded.json`,
			r.URI, did, r.Cid.String(), r.JSON,
		); err != nil {
			return fmt.Errorf("database: upsert record %s: %w", r.URI, err)
		}
	}
	return nil
}

func (c *commitTx) SetHead(ctx context.Context, head repo.Head) error {
	_, err := c.tx.Exec(ctx,
		`INSERT INTO repo_root (did, commit_cid, rev, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (did) DO UPDATE SET commit_cid = excluded.commit_cid, rev = excluded.rev, updated_at = NOW()`,
		head.DID, head.CommitCID.String(), head.Rev,
	)
	if err != nil {
		return fmt.Errorf("database: set head: %w", err)
	}
	return nil
}

func (c *commitTx) AppendCommitLog(ctx context.Context, entry repo.CommitLogEntry) (uint64, error) {
	var seq uint64
	err := c.tx.QueryRow(ctx,
		`INSERT INTO commit_log (cid, rev, data, sig, ts) VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		entry.Cid.String(), entry.Rev, entry.DataJSON, entry.SigB64, entry.TsMs,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("database: append commit log: %w", err)
	}
	return seq, nil
}

func didFromURI(uri string) string {
	rest := strings.TrimPrefix(uri, "at://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// LatestN implements gc.CommitLog (§4.9.2).
func (db *DB) LatestN(ctx context.Context, n int) ([]gc.CommitRow, error) {
	rows, err := db.pool.Query(ctx, `SELECT seq, cid FROM commit_log ORDER BY seq DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("database: latest commit rows: %w", err)
	}
	defer rows.Close()
	var out []gc.CommitRow
	for rows.Next() {
		var seq uint64
		var cidStr string
		if err := rows.Scan(&seq, &cidStr); err != nil {
			return nil, fmt.Errorf("database: scan commit row: %w", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("database: decode commit cid: %w", err)
		}
		out = append(out, gc.CommitRow{Seq: seq, Cid: c})
	}
	return out, rows.Err()
}

// PruneBefore implements gc.CommitLog (§4.9.1).
func (db *DB) PruneBefore(ctx context.Context, threshold uint64) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM commit_log WHERE seq < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("database: prune commit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RangeInclusive implements syncsvc.CommitLogRange (§4.8 commit_range).
func (db *DB) RangeInclusive(ctx context.Context, fromSeq, toSeq uint64) ([]syncsvc.CommitRangeRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT seq, cid FROM commit_log WHERE seq BETWEEN $1 AND $2 ORDER BY seq ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("database: commit range: %w", err)
	}
	defer rows.Close()
	var out []syncsvc.CommitRangeRow
	for rows.Next() {
		var seq uint64
		var cidStr string
		if err := rows.Scan(&seq, &cidStr); err != nil {
			return nil, fmt.Errorf("database: scan commit range row: %w", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("database: decode commit cid: %w", err)
		}
		out = append(out, syncsvc.CommitRangeRow{Seq: seq, Cid: c})
	}
	return out, rows.Err()
}

// MaxSeq implements firehose.LogStore (§4.7 startup recovery).
func (db *DB) MaxSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := db.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM commit_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("database: max seq: %w", err)
	}
	return seq, nil
}

// RangeFrom implements firehose.LogStore (§4.7 subscriber replay beyond
// the ring buffer).
func (db *DB) RangeFrom(ctx context.Context, fromSeqExclusive uint64) ([]firehose.LogRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT seq, cid, rev FROM commit_log WHERE seq > $1 ORDER BY seq ASC`, fromSeqExclusive)
	if err != nil {
		return nil, fmt.Errorf("database: range from: %w", err)
	}
	defer rows.Close()
	var out []firehose.LogRow
	for rows.Next() {
		var seq uint64
		var cidStr, rev string
		if err := rows.Scan(&seq, &cidStr, &rev); err != nil {
			return nil, fmt.Errorf("database: scan log row: %w", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("database: decode commit cid: %w", err)
		}
		out = append(out, firehose.LogRow{Seq: seq, CommitCID: c, Rev: rev})
	}
	return out, rows.Err()
}
