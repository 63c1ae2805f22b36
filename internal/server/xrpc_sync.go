package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/labstack/echo/v4"

	"github.com/northfork-dev/atproto-pds/internal/car"
	"github.com/northfork-dev/atproto-pds/internal/firehose"
	"github.com/northfork-dev/atproto-pds/internal/identity"
	"github.com/northfork-dev/atproto-pds/internal/syncsvc"
)

// wsUpgrader allows any origin — the firehose is a public endpoint.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleGetRepo streams the full repository as a CAR v1 archive
// (§4.8 repo_snapshot). GET /xrpc/com.atproto.sync.getRepo?did=...
func (s *Server) handleGetRepo(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" || did != s.cfg.DID {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RepoNotFound",
			"message": "Repository not found: " + did,
		})
	}

	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := syncsvc.RepoSnapshot(c.Request().Context(), s.db, did, c.Response().Writer); err != nil {
		log.Printf("Error exporting repo %s: %v", did, err)
		// Headers already sent — can't return a JSON error.
		return nil
	}
	return nil
}

// handleGetHead returns the current commit CID and rev (§6.2
// com.atproto.sync.getHead). GET /xrpc/com.atproto.sync.getHead?did=...
func (s *Server) handleGetHead(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" || did != s.cfg.DID {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RepoNotFound",
			"message": "Repository not found: " + did,
		})
	}

	head, err := s.repo.DescribeRepo(c.Request().Context())
	if err != nil {
		log.Printf("Error getting head for %s: %v", did, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get head",
		})
	}
	if head == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "HeadNotFound",
			"message": "Repository has no commits yet",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"root": head.CommitCID.String(),
		"rev":  head.Rev,
	})
}

// handleGetRecordProof streams a Merkle inclusion proof CAR for one
// record (§4.8 record_proof, §6.2 com.atproto.sync.getRecord).
// GET /xrpc/com.atproto.sync.getRecord?did=...&collection=...&rkey=...
func (s *Server) handleGetRecordProof(c echo.Context) error {
	did := c.QueryParam("did")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if did != s.cfg.DID || collection == "" || rkey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did, collection, and rkey query parameters are required",
		})
	}

	var buf strings.Builder
	if err := syncsvc.RecordProof(c.Request().Context(), s.db, did, collection, rkey, sbWriter{&buf}); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RecordNotFound",
			"message": "Record not found",
		})
	}

	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	return c.Blob(http.StatusOK, "application/vnd.ipld.car", []byte(buf.String()))
}

// sbWriter adapts a strings.Builder to io.Writer without importing
// bytes.Buffer for a single streaming helper.
type sbWriter struct{ b *strings.Builder }

func (w sbWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

// handleGetBlocks fetches a set of blocks by CID and packages them as
// a rootless CAR (§6.2 com.atproto.sync.getBlocks).
// GET /xrpc/com.atproto.sync.getBlocks?did=...&cids=c1,c2,...
func (s *Server) handleGetBlocks(c echo.Context) error {
	did := c.QueryParam("did")
	if did != s.cfg.DID {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RepoNotFound",
			"message": "Repository not found: " + did,
		})
	}

	raw := c.QueryParam("cids")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "cids query parameter is required",
		})
	}

	ctx := c.Request().Context()
	bs := s.db.Blockstore()
	blocks := make(map[string][]byte)
	for _, cs := range strings.Split(raw, ",") {
		cc, err := cid.Decode(strings.TrimSpace(cs))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "invalid cid: " + cs,
			})
		}
		data, err := bs.Get(ctx, cc)
		if err != nil || data == nil {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "BlockNotFound",
				"message": "block not found: " + cs,
			})
		}
		blocks[cc.KeyString()] = data
	}

	carBytes, err := car.Encode(nil, blocks)
	if err != nil {
		log.Printf("Error encoding blocks car: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to encode blocks",
		})
	}

	return c.Blob(http.StatusOK, "application/vnd.ipld.car", carBytes)
}

// handleGetRepoStatus reports whether the configured repo is active
// (§6.2 com.atproto.sync.getRepoStatus).
// GET /xrpc/com.atproto.sync.getRepoStatus?did=...
func (s *Server) handleGetRepoStatus(c echo.Context) error {
	did := c.QueryParam("did")
	if did != s.cfg.DID {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RepoNotFound",
			"message": "Repository not found: " + did,
		})
	}

	resp := map[string]any{
		"did":    s.cfg.DID,
		"active": s.accounts.Active(),
	}
	if head, err := s.repo.DescribeRepo(c.Request().Context()); err == nil && head != nil {
		resp["rev"] = head.Rev
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListBlobs pages through the configured repo's blob metadata
// (§6.2 com.atproto.sync.listBlobs).
// GET /xrpc/com.atproto.sync.listBlobs?did=...&since=...&limit=...
func (s *Server) handleListBlobs(c echo.Context) error {
	did := c.QueryParam("did")
	if did != s.cfg.DID {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RepoNotFound",
			"message": "Repository not found: " + did,
		})
	}

	limit := 500
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	infos, err := s.blobs.ListBlobs(c.Request().Context(), did, c.QueryParam("since"), limit)
	if err != nil {
		log.Printf("Error listing blobs for %s: %v", did, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list blobs",
		})
	}

	cids := make([]string, len(infos))
	for i, bi := range infos {
		cids[i] = bi.CID
	}
	return c.JSON(http.StatusOK, map[string]any{"cids": cids})
}

// handleSubscribeRepos is the AT Protocol firehose WebSocket endpoint
// (§4.7, §6.2 com.atproto.sync.subscribeRepos). An optional cursor
// query parameter enables replay from the durable commit log.
// GET /xrpc/com.atproto.sync.subscribeRepos?cursor=...
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var cursor uint64
	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		n, err := strconv.ParseUint(cursorStr, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "cursor must be a non-negative integer",
			})
		}
		cursor = n
	}

	ctx := c.Request().Context()
	sub, err := s.seq.Subscribe(ctx, cursor)
	if err != nil {
		ws, upErr := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if upErr != nil {
			return nil
		}
		defer ws.Close()
		if errors.Is(err, firehose.ErrOutdatedCursor) {
			if frame, encErr := firehose.EncodeErrorFrame("OutdatedCursor", "cursor is older than retained history"); encErr == nil {
				_ = ws.WriteMessage(websocket.BinaryMessage, frame)
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1008, "OutdatedCursor"), nil)
		}
		return nil
	}
	defer sub.Close()

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return nil
	}
	defer ws.Close()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return nil
			}
		case <-disconnected:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// handleRequestCrawl accepts a relay crawl request and announces this
// PDS to the relay named by the request (§6.2
// com.atproto.sync.requestCrawl supplement).
// POST /xrpc/com.atproto.sync.requestCrawl
func (s *Server) handleRequestCrawl(c echo.Context) error {
	var req struct {
		Hostname string `json:"hostname"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	log.Printf("Crawl request received from: %s", req.Hostname)

	if s.cfg.ServiceEndpoint != "" && req.Hostname != "" {
		relayURL := "https://" + req.Hostname
		go func() {
			if err := identity.AnnounceToRelay(context.Background(), relayURL, s.cfg.ServiceEndpoint); err != nil {
				log.Printf("Warning: relay announcement failed: %v", err)
			}
		}()
	}

	return c.NoContent(http.StatusOK)
}
