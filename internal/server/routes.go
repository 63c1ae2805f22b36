package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// registerRoutes sets up all HTTP routes (§6.2, §6.2 supplemented D).
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)

	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession, s.requireRefresh)
	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)

	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getHead", s.handleGetHead)
	s.echo.GET("/xrpc/com.atproto.sync.getRecord", s.handleGetRecordProof)
	s.echo.GET("/xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	s.echo.GET("/xrpc/com.atproto.sync.getRepoStatus", s.handleGetRepoStatus)
	s.echo.GET("/xrpc/com.atproto.sync.listBlobs", s.handleListBlobs)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)

	// Read-only repo operations are public, matching a relay's read
	// access to any repo it can discover.
	s.echo.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	s.echo.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)

	// --- Authenticated endpoints (admin key or account JWT) ---
	auth := s.echo.Group("", s.requireAuth)

	auth.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession)
	auth.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession)

	auth.POST("/xrpc/com.atproto.repo.applyWrites", s.handleApplyWrites)
	auth.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	auth.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	auth.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	auth.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
		"did":     s.cfg.DID,
	})
}

// handleAtprotoDID answers the well-known DID resolution endpoint. A
// single-repo PDS has no per-Host handle routing (§9 Non-goals): the
// endpoint always resolves to the one configured account, regardless
// of the Host header it was reached on.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	return c.String(http.StatusOK, s.cfg.DID)
}
