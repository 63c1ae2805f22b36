package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// handleResolveHandle resolves the one configured account's handle to
// its DID. A single-repo PDS has no handle registry to look up against
// (§9 Non-goals): any other handle simply doesn't resolve here.
// GET /xrpc/com.atproto.identity.resolveHandle?handle=...
func (s *Server) handleResolveHandle(c echo.Context) error {
	handle := c.QueryParam("handle")
	if handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle query parameter is required",
		})
	}

	if handle != s.cfg.Handle {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "HandleNotFound",
			"message": "Unable to resolve handle: " + handle,
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"did": s.cfg.DID,
	})
}
