// Package blob stores AT Protocol media (images, video, etc.) outside
// the core repo: bytes live content-addressed on the filesystem, and
// only metadata (cid, mime type, size) is recorded in Postgres so the
// core can answer listBlobs and back proof CARs without touching the
// bytes themselves (§6.1 "blob").
package blob

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/multiformats/go-multihash"
)

// MaxBlobSize is the maximum allowed blob size (1MB).
const MaxBlobSize = 1 << 20

// Ref is returned after a successful upload and embedded as a blob
// reference inside records that point at it.
type Ref struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Store writes blob bytes to a content-addressed directory on disk and
// tracks metadata in the blob table.
type Store struct {
	pool *pgxpool.Pool
	dir  string
}

// NewStore creates a blob Store rooted at dir, creating it if needed.
func NewStore(pool *pgxpool.Pool, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create store dir: %w", err)
	}
	return &Store{pool: pool, dir: dir}, nil
}

func (s *Store) path(cidStr string) string {
	return filepath.Join(s.dir, cidStr)
}

// Upload reads data from r, computes its CID, persists the bytes to
// disk, and records metadata for did. The metadata row's key column is
// written as an empty string.
func (s *Store) Upload(ctx context.Context, did, mimeType string, r io.Reader) (*Ref, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("blob: exceeds maximum size of %d bytes", MaxBlobSize)
	}

	hash := sha256.Sum256(data)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("blob: multihash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	cidStr := c.String()

	if err := os.WriteFile(s.path(cidStr), data, 0o640); err != nil {
		return nil, fmt.Errorf("blob: write %s: %w", cidStr, err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO blob (cid, did, key, mime, size) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cid) DO NOTHING`,
		cidStr, did, "", mimeType, len(data),
	); err != nil {
		return nil, fmt.Errorf("blob: record metadata %s: %w", cidStr, err)
	}

	return &Ref{CID: cidStr, MimeType: mimeType, Size: int64(len(data))}, nil
}

// Get retrieves a blob's bytes and MIME type by CID.
func (s *Store) Get(ctx context.Context, cidStr string) ([]byte, string, error) {
	var mimeType string
	err := s.pool.QueryRow(ctx, `SELECT mime FROM blob WHERE cid = $1`, cidStr).Scan(&mimeType)
	if err == pgx.ErrNoRows {
		return nil, "", fmt.Errorf("blob: %s not found", cidStr)
	}
	if err != nil {
		return nil, "", fmt.Errorf("blob: lookup %s: %w", cidStr, err)
	}

	data, err := os.ReadFile(s.path(cidStr))
	if err != nil {
		return nil, "", fmt.Errorf("blob: read %s: %w", cidStr, err)
	}
	return data, mimeType, nil
}

// BlobInfo is one row of a listBlobs page.
type BlobInfo struct {
	CID  string
	Size int64
}

// ListBlobs pages through did's blobs in CID order, for
// com.atproto.sync.listBlobs.
func (s *Store) ListBlobs(ctx context.Context, did string, since string, limit int) ([]BlobInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cid, size FROM blob WHERE did = $1 AND cid > $2 ORDER BY cid ASC LIMIT $3`,
		did, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("blob: list: %w", err)
	}
	defer rows.Close()

	var out []BlobInfo
	for rows.Next() {
		var bi BlobInfo
		if err := rows.Scan(&bi.CID, &bi.Size); err != nil {
			return nil, fmt.Errorf("blob: scan list row: %w", err)
		}
		out = append(out, bi)
	}
	return out, rows.Err()
}
