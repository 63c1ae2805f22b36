package server

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
)

// handleUploadBlob handles media uploads for the configured repo and
// returns a blob reference (§6.2 com.atproto.repo.uploadBlob, D).
// POST /xrpc/com.atproto.repo.uploadBlob
func (s *Server) handleUploadBlob(c echo.Context) error {
	if err := s.checkRepoAuth(c); err != nil {
		return err
	}

	mimeType := c.Request().Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ref, err := s.blobs.Upload(c.Request().Context(), s.cfg.DID, mimeType, c.Request().Body)
	if err != nil {
		log.Printf("Error uploading blob: %v", err)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "BlobError",
			"message": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"blob": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": ref.CID},
			"mimeType": ref.MimeType,
			"size":     ref.Size,
		},
	})
}

// handleGetBlob retrieves a blob by CID (§6.2 com.atproto.sync.getBlob).
// GET /xrpc/com.atproto.sync.getBlob?did=...&cid=...
func (s *Server) handleGetBlob(c echo.Context) error {
	did := c.QueryParam("did")
	cidStr := c.QueryParam("cid")
	if did != s.cfg.DID || cidStr == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did and cid query parameters are required",
		})
	}

	data, mimeType, err := s.blobs.Get(c.Request().Context(), cidStr)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "BlobNotFound",
			"message": "Blob not found",
		})
	}

	return c.Blob(http.StatusOK, mimeType, data)
}
