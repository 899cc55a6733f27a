package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/accounting"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/fetch"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// handleMedia serves a range of the resource named by the url query
// parameter, filling it from the origin on a miss.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "range")

	key := mediacache.ResourceKey(r.URL.Query().Get("url"))
	var offset int64
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = n
	}

	res, err := s.source.Open(r.Context(), key, offset)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.writeFetchError(w, err)
		return
	}

	result := telemetry.CacheMiss
	if res.Hit {
		result = telemetry.CacheHit
	}
	telemetry.SetCacheResult(r, result)

	resp := res.Response
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set("X-Cache", string(result))
	if !resp.CachedAt.IsZero() {
		w.Header().Set("Last-Modified", resp.CachedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			s.logger.Error("failed to write response", "error", err)
		}
	}
}

type createSessionRequest struct {
	URL         string `json:"url"`
	MomentaryID string `json:"momentary_id"`
	FileID      string `json:"file_id"`
	UserID      string `json:"user_id"`
}

type sessionResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	TotalBytes int64  `json:"total_bytes"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "create")

	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := s.accountant.NewSession(r.Context(), accounting.Subject{
		Key:         mediacache.ResourceKey(req.URL),
		MomentaryID: req.MomentaryID,
		FileID:      req.FileID,
		UserID:      req.UserID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	s.sessions.add(id, sess)
	telemetry.SetSessionID(r, id)

	writeJSON(w, http.StatusCreated, sessionResponse{ID: id, State: sess.State().String()})
}

type transferRequest struct {
	Bytes int64 `json:"bytes"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "transfer")

	id, sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := sess.ObserveTransfer(r.Context(), req.Bytes); err != nil {
		s.writeCacheError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, State: sess.State().String(), TotalBytes: sess.Total()})
}

type positionRequest struct {
	PositionMS int64 `json:"position_ms"`
	DurationMS int64 `json:"duration_ms"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "position")

	id, sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req positionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	position := time.Duration(req.PositionMS) * time.Millisecond
	duration := time.Duration(req.DurationMS) * time.Millisecond
	if err := sess.ObservePosition(r.Context(), position, duration); err != nil {
		s.writeCacheError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, State: sess.State().String(), TotalBytes: sess.Total()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")

	id, sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, State: sess.State().String(), TotalBytes: sess.Total()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")

	id := r.PathValue("id")
	telemetry.SetSessionID(r, id)
	if !s.sessions.remove(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (string, *accounting.Session, bool) {
	id := r.PathValue("id")
	telemetry.SetSessionID(r, id)
	sess, ok := s.sessions.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return "", nil, false
	}
	return id, sess, true
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")

	if err := s.handle.Cache().Clear(r.Context()); err != nil {
		s.writeCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remove")

	key := mediacache.ResourceKey(r.URL.Query().Get("url"))
	if err := s.handle.Cache().Remove(r.Context(), key); err != nil {
		s.writeCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type entryResponse struct {
	URL        string    `json:"url"`
	LastAccess time.Time `json:"last_access"`
	Offsets    []int64   `json:"offsets"`
	Marked     bool      `json:"marked"`
}

// handleEntry describes one cached resource: its stored ranges, last access
// and whether it has been reported.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "entry")

	c := s.handle.Cache()
	key := mediacache.ResourceKey(r.URL.Query().Get("url"))

	last, err := c.LastAccess(r.Context(), key)
	if errors.Is(err, metadb.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	if err != nil {
		s.writeCacheError(w, err)
		return
	}

	offsets, err := c.Offsets(r.Context(), key)
	if err != nil {
		s.writeCacheError(w, err)
		return
	}
	marked, err := c.IsMarked(r.Context(), key)
	if err != nil {
		s.writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entryResponse{
		URL:        string(key),
		LastAccess: last,
		Offsets:    offsets,
		Marked:     marked,
	})
}

type sweepResponse struct {
	Expired     int    `json:"expired"`
	Evicted     int    `json:"evicted"`
	BytesFreed  int64  `json:"bytes_freed"`
	Errors      int    `json:"errors"`
	InvalidKeys int    `json:"invalid_keys"`
	Duration    string `json:"duration"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sweep")

	res, err := s.handle.Cache().Sweep(r.Context())
	if err != nil {
		s.writeCacheError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Expired:     res.Expired,
		Evicted:     res.Evict.Evicted,
		BytesFreed:  res.BytesFreed + res.Evict.BytesFreed,
		Errors:      res.Errors + res.Evict.Errors,
		InvalidKeys: res.InvalidKeys,
		Duration:    res.Duration.String(),
	})
}

// writeFetchError maps fetch path errors to HTTP responses.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mediacache.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "missing url")
	case errors.Is(err, mediacache.ErrInvalidResource):
		writeError(w, http.StatusBadRequest, "url is not an absolute URL")
	case errors.Is(err, fetch.ErrUpstreamNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, fetch.ErrRangeTooLarge):
		writeError(w, http.StatusBadGateway, "range too large")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timeout")
	case errors.Is(err, cache.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "cache closed")
	default:
		s.logger.Error("fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream error")
	}
}

// writeCacheError maps cache errors to HTTP responses.
func (s *Server) writeCacheError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mediacache.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "missing url")
	case errors.Is(err, cache.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "cache closed")
	default:
		s.logger.Error("cache operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
