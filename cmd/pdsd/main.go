// pdsd is a single-user AT Protocol Personal Data Server.
//
// It reads configuration from config.json in the working directory,
// connects to PostgreSQL, opens the one configured repo, and starts an
// HTTP server exposing the standard com.atproto.* XRPC surface plus
// the firehose. A background loop runs retention pruning and
// blockstore GC (§4.9) on a timer.
//
// Usage:
//
//	./pdsd                    # reads ./config.json, starts server
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/northfork-dev/atproto-pds/internal/account"
	"github.com/northfork-dev/atproto-pds/internal/auth"
	"github.com/northfork-dev/atproto-pds/internal/blob"
	"github.com/northfork-dev/atproto-pds/internal/config"
	"github.com/northfork-dev/atproto-pds/internal/database"
	"github.com/northfork-dev/atproto-pds/internal/firehose"
	"github.com/northfork-dev/atproto-pds/internal/gc"
	"github.com/northfork-dev/atproto-pds/internal/identity"
	"github.com/northfork-dev/atproto-pds/internal/repo"
	"github.com/northfork-dev/atproto-pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("pdsd starting...")

	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s did=%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName, cfg.DID)

	key, err := cfg.SigningKey()
	if err != nil {
		log.Fatalf("Failed to load signing key: %v", err)
	}

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	r := repo.New(cfg.DID, db, key)

	frames := firehose.NewBlockFrameSource(db.Blockstore(), cfg.DID)
	seq, err := firehose.NewSequencer(ctx, db, frames, cfg.FirehoseBuffer)
	if err != nil {
		log.Fatalf("Failed to start sequencer: %v", err)
	}

	accounts := account.NewStore(cfg.DID, cfg.Handle, cfg.AccountPasswordHash)

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.DID)

	blobs, err := blob.NewStore(db.Pool(), cfg.BlobDir)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	if cfg.RelayURL != "" {
		go func() {
			if err := identity.AnnounceToRelay(ctx, cfg.RelayURL, cfg.ServiceEndpoint); err != nil {
				log.Printf("Warning: relay announcement failed: %v", err)
			}
		}()
	}

	go runGCLoop(ctx, db, cfg)

	srv := server.New(cfg, db, r, seq, accounts, jwtMgr, blobs, key)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("pdsd stopped")
}

// runGCLoop periodically prunes the commit log and sweeps unreferenced
// blocks (§4.9). It runs until ctx is cancelled; a single failed pass
// is logged and retried on the next tick rather than aborting the loop.
func runGCLoop(ctx context.Context, db *database.DB, cfg *config.Config) {
	period := cfg.GCPeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := gc.PruneCommitLog(ctx, db, cfg.RetentionCommits)
			if err != nil {
				log.Printf("Warning: commit log prune failed: %v", err)
			} else if pruned > 0 {
				log.Printf("GC: pruned %d commit log rows", pruned)
			}

			swept, err := gc.SweepBlockstore(ctx, db, db.Blockstore(), cfg.RetentionCommits)
			if err != nil {
				log.Printf("Warning: blockstore sweep failed: %v", err)
			} else if swept > 0 {
				log.Printf("GC: swept %d unreferenced blocks", swept)
			}
		}
	}
}
