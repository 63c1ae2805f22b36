package blockstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a Store backed by the `blockstore` table (§6.1). Blocks are
// immutable once written, so conflicts on PutMany are resolved with
// ON CONFLICT DO NOTHING — re-putting identical bytes is a no-op.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG wraps an existing pgxpool.Pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (p *PG) Put(ctx context.Context, c cid.Cid, raw []byte) error {
	if err := verify(c, raw); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO blockstore (cid, bytes) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`,
		c.String(), raw)
	if err != nil {
		return fmt.Errorf("blockstore: put %s: %w", c, err)
	}
	return nil
}

func (p *PG) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT bytes FROM blockstore WHERE cid = $1`, c.String()).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: get %s: %w", c, err)
	}
	return raw, nil
}

func (p *PG) GetMany(ctx context.Context, cids []cid.Cid) (map[string][]byte, []cid.Cid, error) {
	out := make(map[string][]byte, len(cids))
	want := make(map[string]cid.Cid, len(cids))
	strs := make([]string, 0, len(cids))
	for _, c := range cids {
		s := c.String()
		want[s] = c
		strs = append(strs, s)
	}

	rows, err := p.pool.Query(ctx, `SELECT cid, bytes FROM blockstore WHERE cid = ANY($1)`, strs)
	if err != nil {
		return nil, nil, fmt.Errorf("blockstore: get_many: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cs string
		var raw []byte
		if err := rows.Scan(&cs, &raw); err != nil {
			return nil, nil, fmt.Errorf("blockstore: get_many scan: %w", err)
		}
		out[cs] = raw
		delete(want, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("blockstore: get_many rows: %w", err)
	}

	missing := make([]cid.Cid, 0, len(want))
	for _, c := range want {
		missing = append(missing, c)
	}
	return out, missing, nil
}

func (p *PG) PutMany(ctx context.Context, blocks map[string][]byte) error {
	batch := &pgx.Batch{}
	for key, raw := range blocks {
		c, err := cid.Cast([]byte(key))
		if err != nil {
			return fmt.Errorf("blockstore: put_many decode key: %w", err)
		}
		batch.Queue(`INSERT INTO blockstore (cid, bytes) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`,
			c.String(), raw)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range blocks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("blockstore: put_many: %w", err)
		}
	}
	return nil
}

func (p *PG) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM blockstore WHERE cid = $1)`, c.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blockstore: has %s: %w", c, err)
	}
	return exists, nil
}

func (p *PG) Delete(ctx context.Context, c cid.Cid) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM blockstore WHERE cid = $1`, c.String())
	if err != nil {
		return fmt.Errorf("blockstore: delete %s: %w", c, err)
	}
	return nil
}

func (p *PG) IterCIDs(ctx context.Context) (<-chan cid.Cid, error) {
	rows, err := p.pool.Query(ctx, `SELECT cid FROM blockstore`)
	if err != nil {
		return nil, fmt.Errorf("blockstore: iter_cids: %w", err)
	}

	ch := make(chan cid.Cid, 256)
	go func() {
		defer rows.Close()
		defer close(ch)
		for rows.Next() {
			var cs string
			if err := rows.Scan(&cs); err != nil {
				return
			}
			c, err := cid.Decode(cs)
			if err != nil {
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
