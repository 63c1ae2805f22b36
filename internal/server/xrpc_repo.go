package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/northfork-dev/atproto-pds/internal/repo"
)

// mintRkey generates a fresh record key up front, so a createRecord or
// applyWrites#create response can report its URI without having to
// recover the rkey the commit pipeline chose internally.
func (s *Server) mintRkey() string {
	return s.rkeys.Next(uint64(time.Now().UnixMicro()))
}

// checkRepoAuth verifies the authenticated caller is allowed to modify
// the configured repo (admin key or that repo's own session JWT).
func (s *Server) checkRepoAuth(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}
	if ac.IsAdmin || ac.DID == s.cfg.DID {
		return nil
	}
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":   "Forbidden",
		"message": "Cannot modify another repository",
	})
}

// publishCommit broadcasts a successful commit over the firehose.
// Best-effort: publish failures are logged, never surfaced to the
// caller whose write already committed durably.
func (s *Server) publishCommit(result *repo.CommitResult) {
	if result == nil {
		return
	}
	if err := s.seq.PublishRepoCommit(result); err != nil {
		log.Printf("Warning: publish commit %s: %v", result.CommitCID, err)
	}
}

func invalidRequestResponse(c echo.Context, err error) error {
	var ire *repo.InvalidRequestError
	if errors.As(err, &ire) {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   "InvalidRequest",
			"message": ire.Error(),
		})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "InternalError",
		"message": "Failed to apply writes",
	})
}

// --- applyWrites ---

type writeOp struct {
	Type       string         `json:"$type"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Value      map[string]any `json:"value"`
}

func (s *Server) handleApplyWrites(c echo.Context) error {
	if err := s.checkRepoAuth(c); err != nil {
		return err
	}

	var req struct {
		Repo   string    `json:"repo"`
		Writes []writeOp `json:"writes"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if len(req.Writes) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "writes must be non-empty",
		})
	}

	writes := make([]repo.Write, len(req.Writes))
	for i, w := range req.Writes {
		var kind repo.WriteKind
		switch w.Type {
		case "com.atproto.repo.applyWrites#create", "create", "":
			kind = repo.WriteCreate
			if w.RKey == "" {
				w.RKey = s.mintRkey()
			}
		case "com.atproto.repo.applyWrites#update", "update":
			kind = repo.WriteUpdate
		case "com.atproto.repo.applyWrites#delete", "delete":
			kind = repo.WriteDelete
		default:
			return c.JSON(http.StatusBadRequest, map[string]any{
				"error":   "InvalidRequest",
				"message": "write " + strconv.Itoa(i) + " has unknown $type " + w.Type,
			})
		}
		writes[i] = repo.Write{Kind: kind, Collection: w.Collection, Rkey: w.RKey, Value: w.Value}
	}

	result, err := s.repo.ApplyWrites(c.Request().Context(), writes)
	if err != nil {
		log.Printf("Error applying writes: %v", err)
		return invalidRequestResponse(c, err)
	}
	s.publishCommit(result)

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

// --- createRecord ---

type createRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
}

func (s *Server) handleCreateRecord(c echo.Context) error {
	if err := s.checkRepoAuth(c); err != nil {
		return err
	}

	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if req.Collection == "" || req.Record == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "collection and record are required",
		})
	}

	rkey := req.RKey
	if rkey == "" {
		rkey = s.mintRkey()
	}

	result, err := s.repo.CreateRecord(c.Request().Context(), req.Collection, rkey, req.Record)
	if err != nil {
		log.Printf("Error creating record: %v", err)
		return invalidRequestResponse(c, err)
	}
	s.publishCommit(result)

	return c.JSON(http.StatusOK, map[string]any{
		"uri": "at://" + s.cfg.DID + "/" + req.Collection + "/" + rkey,
		"cid": result.CommitCID.String(),
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

func lastPathSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// --- getRecord ---

func (s *Server) handleGetRecord(c echo.Context) error {
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if collection == "" || rkey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "collection and rkey query parameters are required",
		})
	}

	recCID, recJSON, err := s.repo.GetRecord(c.Request().Context(), collection, rkey)
	if err != nil {
		log.Printf("Error getting record %s/%s: %v", collection, rkey, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get record",
		})
	}
	if recJSON == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "RecordNotFound",
			"message": "Record not found",
		})
	}

	return c.JSONBlob(http.StatusOK, append(
		[]byte(`{"uri":"at://`+s.cfg.DID+`/`+collection+`/`+rkey+`","cid":"`+recCID.String()+`","value":`),
		append(recJSON, '}')...,
	))
}

// --- deleteRecord ---

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	if err := s.checkRepoAuth(c); err != nil {
		return err
	}

	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if req.Collection == "" || req.RKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "collection and rkey are required",
		})
	}

	result, err := s.repo.DeleteRecord(c.Request().Context(), req.Collection, req.RKey)
	if err != nil {
		log.Printf("Error deleting record %s/%s: %v", req.Collection, req.RKey, err)
		return invalidRequestResponse(c, err)
	}
	s.publishCommit(result)

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

// --- putRecord ---

type putRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
}

func (s *Server) handlePutRecord(c echo.Context) error {
	if err := s.checkRepoAuth(c); err != nil {
		return err
	}

	var req putRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if req.Collection == "" || req.RKey == "" || req.Record == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "collection, rkey, and record are required",
		})
	}

	result, err := s.repo.PutRecord(c.Request().Context(), req.Collection, req.RKey, req.Record)
	if err != nil {
		log.Printf("Error putting record %s/%s: %v", req.Collection, req.RKey, err)
		return invalidRequestResponse(c, err)
	}
	s.publishCommit(result)

	return c.JSON(http.StatusOK, map[string]any{
		"uri": "at://" + s.cfg.DID + "/" + req.Collection + "/" + req.RKey,
		"cid": result.CommitCID.String(),
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

// --- listRecords ---

func (s *Server) handleListRecords(c echo.Context) error {
	collection := c.QueryParam("collection")
	if collection == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "collection query parameter is required",
		})
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	entries, err := s.repo.ListRecords(c.Request().Context(), collection, limit)
	if err != nil {
		log.Printf("Error listing records for %s: %v", collection, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list records",
		})
	}

	records := make([]map[string]any, len(entries))
	for i, e := range entries {
		rkey := lastPathSegment(string(e.Key))
		records[i] = map[string]any{
			"uri": "at://" + s.cfg.DID + "/" + collection + "/" + rkey,
			"cid": e.Val.String(),
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"records": records})
}

// --- describeRepo ---

func (s *Server) handleDescribeRepo(c echo.Context) error {
	head, err := s.repo.DescribeRepo(c.Request().Context())
	if err != nil {
		log.Printf("Error describing repo: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to describe repo",
		})
	}

	resp := map[string]any{
		"handle":          s.cfg.Handle,
		"did":             s.cfg.DID,
		"handleIsCorrect": true,
	}
	if head != nil {
		resp["rev"] = head.Rev
	}
	return c.JSON(http.StatusOK, resp)
}
