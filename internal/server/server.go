// Package server provides the HTTP server for a single-repo AT
// Protocol PDS, built on Echo v4. It hosts the standard com.atproto.*
// XRPC surface (§6.2) over one configured DID.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/northfork-dev/atproto-pds/internal/account"
	"github.com/northfork-dev/atproto-pds/internal/auth"
	"github.com/northfork-dev/atproto-pds/internal/blob"
	"github.com/northfork-dev/atproto-pds/internal/config"
	"github.com/northfork-dev/atproto-pds/internal/database"
	"github.com/northfork-dev/atproto-pds/internal/firehose"
	"github.com/northfork-dev/atproto-pds/internal/repo"
	"github.com/northfork-dev/atproto-pds/internal/signing"
	"github.com/northfork-dev/atproto-pds/internal/tid"
)

// Server wraps the Echo instance and the single repo's dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	db       *database.DB
	repo     *repo.Repo
	seq      *firehose.Sequencer
	accounts *account.Store
	jwt      *auth.JWTManager
	blobs    *blob.Store
	key      *signing.Key
	rkeys    *tid.Clock
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, db *database.DB, r *repo.Repo, seq *firehose.Sequencer, accounts *account.Store, jwtMgr *auth.JWTManager, blobs *blob.Store, key *signing.Key) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Logger())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		db:       db,
		repo:     r,
		seq:      seq,
		accounts: accounts,
		jwt:      jwtMgr,
		blobs:    blobs,
		key:      key,
		rkeys:    tid.NewClock(),
	}

	s.registerRoutes()
	return s
}

// authContext holds the authenticated caller's identity.
type authContext struct {
	DID     string
	IsAdmin bool
}

const authContextKey = "auth"

// getAuth retrieves the auth context set by middleware.
func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

// requireAuth is middleware that validates a Bearer token as either the
// admin key or a JWT access token. Sets authContext on the request.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		if token == s.cfg.AdminKey {
			c.Set(authContextKey, &authContext{DID: s.cfg.DID, IsAdmin: true})
			return next(c)
		}

		did, err := s.jwt.ValidateAccessToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired access token",
			})
		}

		c.Set(authContextKey, &authContext{DID: did})
		return next(c)
	}
}

// requireRefresh is middleware that validates a Bearer token as a JWT
// refresh token. Sets authContext on the request.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		did, err := s.jwt.ValidateRefreshToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired refresh token",
			})
		}

		c.Set(authContextKey, &authContext{DID: did})
		return next(c)
	}
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}
