// Package config handles loading and validating the application
// configuration from a config.json file.
//
// The configuration file is expected to be a JSON object with database
// connection details, the controlling DID and signing key, and the
// retention/buffer tunables of §6.4. The file is read once at startup;
// changes require a restart.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/northfork-dev/atproto-pds/internal/signing"
)

// Config holds all application configuration loaded from config.json.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "localhost:5432").
	DBConn string `json:"dbConn"`
	DBName string `json:"dbName"`
	DBUser string `json:"dbUser"`
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// DID is the controlling DID for the single-user repo (§6.4).
	DID string `json:"did"`
	// Handle is the account's human-readable name, used for the
	// alsoKnownAs entry of its DID document and /.well-known/atproto-did.
	Handle string `json:"handle"`
	// ServiceEndpoint is this PDS's externally reachable base URL,
	// recorded in the DID document's service entry and used when
	// announcing to a relay (com.atproto.sync.requestCrawl).
	ServiceEndpoint string `json:"serviceEndpoint"`

	// AccountPasswordHash is the bcrypt hash checked by createSession.
	AccountPasswordHash string `json:"accountPasswordHash"`
	// JWTSecret is the HMAC key signing session access/refresh tokens.
	JWTSecret string `json:"jwtSecret"`

	// SigningKeyKind selects ed25519 or secp256k1 (§4.6, §6.4).
	SigningKeyKind string `json:"signingKeyKind"`
	// SigningKeyMaterial is the multibase-encoded private key.
	SigningKeyMaterial string `json:"signingKeyMaterial"`

	// RetentionCommits is KEEP for commit-log prune and GC (§4.9, §6.4).
	RetentionCommits int `json:"retentionCommits,omitempty"`
	// FirehoseBuffer is the sequencer ring-buffer size W (§4.7, §6.4).
	FirehoseBuffer int `json:"firehoseBuffer,omitempty"`
	// MaxJSONBytes caps a single write's record payload (§6.4).
	MaxJSONBytes int `json:"maxJsonBytes,omitempty"`

	// AdminKey authenticates the session/account-management surface.
	AdminKey string `json:"adminKey"`

	// BlobDir is the directory blob bytes are written to, content-
	// addressed by CID (§6.1 blob table holds metadata only).
	BlobDir string `json:"blobDir,omitempty"`
	// RelayURL, if set, is announced via com.atproto.sync.requestCrawl
	// on startup so a relay discovers this PDS.
	RelayURL string `json:"relayUrl,omitempty"`
	// GCInterval is how often retention pruning and blockstore GC
	// (§4.9) run, as a Go duration string (default "1h").
	GCInterval string `json:"gcInterval,omitempty"`
}

const (
	defaultListenAddr       = ":3000"
	defaultRetentionCommits = 10000
	defaultFirehoseBuffer   = 512
	defaultBlobDir          = "./blobs"
	defaultGCInterval       = "1h"
	defaultMaxJSONBytes     = 65536
)

// Load reads and parses configuration from the given file path,
// applying defaults for the tunables §6.4 lists as optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.RetentionCommits <= 0 {
		cfg.RetentionCommits = defaultRetentionCommits
	}
	if cfg.FirehoseBuffer <= 0 {
		cfg.FirehoseBuffer = defaultFirehoseBuffer
	}
	if cfg.MaxJSONBytes <= 0 {
		cfg.MaxJSONBytes = defaultMaxJSONBytes
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = defaultBlobDir
	}
	if cfg.GCInterval == "" {
		cfg.GCInterval = defaultGCInterval
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.DID == "":
		return fmt.Errorf("config: did is required")
	case c.SigningKeyMaterial == "":
		return fmt.Errorf("config: signingKeyMaterial is required")
	case c.SigningKeyKind != string(signing.KindEd25519) && c.SigningKeyKind != string(signing.KindSecp256k1):
		return fmt.Errorf("config: signingKeyKind must be %q or %q", signing.KindEd25519, signing.KindSecp256k1)
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.AccountPasswordHash == "":
		return fmt.Errorf("config: accountPasswordHash is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	}
	return nil
}

// SigningKey decodes the configured signing key material (§4.6). A
// repo carries exactly one keypair family for its lifetime; switching
// SigningKeyKind on an existing repo is an operator error the loader
// does not attempt to detect (the stored DID document is the source
// of truth for which key is authoritative).
func (c *Config) SigningKey() (*signing.Key, error) {
	key, err := signing.ParseMultibase(c.SigningKeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("config: parse signing key: %w", err)
	}
	if string(key.Kind()) != c.SigningKeyKind {
		return nil, fmt.Errorf("config: signingKeyMaterial is a %s key, signingKeyKind says %s", key.Kind(), c.SigningKeyKind)
	}
	return key, nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// GCPeriod parses GCInterval, falling back to the default on a bad value
// rather than failing startup over a non-critical tunable.
func (c *Config) GCPeriod() time.Duration {
	d, err := time.ParseDuration(c.GCInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultGCInterval)
	}
	return d
}
