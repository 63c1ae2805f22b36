package server

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/northfork-dev/atproto-pds/internal/account"
)

// handleDescribeServer returns server metadata (§6.2
// com.atproto.server.describeServer).
// GET /xrpc/com.atproto.server.describeServer
func (s *Server) handleDescribeServer(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"did":                s.cfg.DID,
		"availableUserDomains": []string{},
		"inviteCodeRequired":   false,
	})
}

// handleCreateSession authenticates the configured account by
// identifier (DID or handle) and password, returning a JWT token pair
// (§6.2 com.atproto.server.createSession).
// POST /xrpc/com.atproto.server.createSession
func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if req.Identifier == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "identifier and password are required",
		})
	}

	acct, err := s.accounts.VerifyPassword(req.Identifier, req.Password)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthenticationRequired",
			"message": "Invalid identifier or password",
		})
	}

	tokens, err := s.jwt.CreateTokenPair(acct.DID)
	if err != nil {
		log.Printf("Error creating tokens for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create session",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        acct.DID,
		"handle":     acct.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleRefreshSession issues a new token pair from a valid refresh
// token (§6.2 com.atproto.server.refreshSession).
// POST /xrpc/com.atproto.server.refreshSession
func (s *Server) handleRefreshSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Refresh token required",
		})
	}

	tokens, err := s.jwt.CreateTokenPair(ac.DID)
	if err != nil {
		log.Printf("Error refreshing tokens for %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to refresh session",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        ac.DID,
		"handle":     s.accounts.Account().Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleGetSession returns the current session's account info (§6.2
// com.atproto.server.getSession).
// GET /xrpc/com.atproto.server.getSession
func (s *Server) handleGetSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Access token required",
		})
	}

	acct := s.accounts.Account()
	resp := map[string]any{
		"did":    acct.DID,
		"handle": acct.Handle,
	}

	if doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, s.key.Public(), s.cfg.ServiceEndpoint); err == nil {
		resp["didDoc"] = doc
	} else {
		log.Printf("Warning: build DID doc for getSession: %v", err)
	}

	return c.JSON(http.StatusOK, resp)
}

// handleDeleteSession is a no-op for the stateless JWT design. Clients
// discard their tokens locally.
// POST /xrpc/com.atproto.server.deleteSession
func (s *Server) handleDeleteSession(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
