// Package database manages the PostgreSQL connection pool and
// bootstraps the single-tenant schema on startup (§6.1).
package database

// Schema contains the SQL statements for the five storage tables a
// single-repo PDS needs.
const Schema = `
-- repo_root: the one row describing this repo's current head.
CREATE TABLE IF NOT EXISTS repo_root (
    did        VARCHAR(255) PRIMARY KEY,
    commit_cid VARCHAR(255) NOT NULL,
    rev        VARCHAR(50) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- record: the sidecar uri -> (cid, json) mapping (§4.5 "Sidecar record table").
CREATE TABLE IF NOT EXISTS record (
    uri        VARCHAR(512) PRIMARY KEY,
    did        VARCHAR(255) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    json       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_record_did ON record(did);
CREATE INDEX IF NOT EXISTS idx_record_cid ON record(cid);

-- blockstore: the content-addressed block map (§4.1).
CREATE TABLE IF NOT EXISTS blockstore (
    cid   VARCHAR(255) PRIMARY KEY,
    bytes BYTEA NOT NULL
);

-- commit_log: append-only commit history, also the firehose's durable
-- replay source beyond the in-memory ring buffer (§4.7, §6.1).
CREATE TABLE IF NOT EXISTS commit_log (
    seq  BIGSERIAL PRIMARY KEY,
    cid  VARCHAR(255) NOT NULL,
    rev  VARCHAR(50) NOT NULL,
    data JSONB NOT NULL,
    sig  TEXT NOT NULL,
    ts   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commit_log_seq ON commit_log(seq);

-- blob: content-addressed media metadata (core only reads this for
-- proof CARs and listBlobs; upload/storage is a boundary concern).
CREATE TABLE IF NOT EXISTS blob (
    cid  VARCHAR(255) PRIMARY KEY,
    did  VARCHAR(255) NOT NULL,
    key  VARCHAR(255) NOT NULL,
    mime VARCHAR(255) NOT NULL,
    size BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blob_did ON blob(did);
`
