// Package httpapi serves a remote.DocumentStore over HTTP with bearer token
// auth. internal/remote/httpstore is its client.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/remote"
)

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          logger.Logger
}

type Server struct {
	store       remote.DocumentStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	log         logger.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store remote.DocumentStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store remote.DocumentStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         logger.OrNop(cfg.Logger).With(logger.String("component", "httpapi")),
		now:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid path encoding", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "auth" && parts[2] == "user" && r.Method == http.MethodGet:
		route = "current_user"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "collections" && parts[3] == "documents" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "get_document"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "collections" && parts[3] == "documents" && r.Method == http.MethodPut:
		requiredScope = ScopeWrite
		route = "put_document"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "collections" && parts[3] == "documents" && r.Method == http.MethodPatch:
		requiredScope = ScopeWrite
		route = "patch_document"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "collections" && parts[3] == "query" && r.Method == http.MethodPost:
		requiredScope = ScopeRead
		route = "query"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "collections" && parts[3] == "versions" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "append_version"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.now()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	s.log.Debug("document api request",
		logger.String("route", route),
		logger.String("subject", claims.Subject),
		logger.String("correlation_id", correlationID),
	)

	switch route {
	case "current_user":
		writeJSON(w, http.StatusOK, remote.User{ID: claims.Subject, Email: claims.Email})
	case "get_document":
		s.handleGet(w, r, parts[2], parts[4], correlationID)
	case "put_document":
		s.handlePut(w, r, parts[2], parts[4], correlationID)
	case "patch_document":
		s.handlePatch(w, r, parts[2], parts[4], correlationID)
	case "query":
		s.handleQuery(w, r, parts[2], correlationID)
	case "append_version":
		s.handleAppendVersion(w, r, parts[2], parts[4], correlationID)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, collection, key, correlationID string) {
	doc, err := s.store.Get(r.Context(), collection, key)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, collection, key, correlationID string) {
	body, ok := s.readJSONBody(w, r, correlationID)
	if !ok {
		return
	}
	if strings.TrimSpace(r.Header.Get("If-None-Match")) == "*" {
		created, err := s.store.Create(r.Context(), collection, key, body)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"key": key, "created": created})
		return
	}
	id, err := s.store.Upsert(r.Context(), collection, key, body)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": id})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, collection, key, correlationID string) {
	var patch remote.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	if len(patch.Set) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "patch set is required", correlationID)
		return
	}
	if err := s.store.Update(r.Context(), collection, key, patch); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	var q remote.Query
	if !s.decodeJSONBody(w, r, correlationID, &q) {
		return
	}
	if q.Limit < 0 || q.Limit > 1000 {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 0 and 1000", correlationID)
		return
	}
	docs, err := s.store.Select(r.Context(), collection, q)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if docs == nil {
		docs = []remote.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleAppendVersion(w http.ResponseWriter, r *http.Request, collection, parent, correlationID string) {
	body, ok := s.readJSONBody(w, r, correlationID)
	if !ok {
		return
	}
	version, err := s.store.AppendVersion(r.Context(), collection, parent, body)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": remote.VersionKey(parent, version), "version": version})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, remote.ErrPreconditionFailed):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error(), correlationID)
	case errors.Is(err, remote.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, remote.ErrUnavailable):
		s.log.Warn("document store unavailable", logger.Error(err), logger.String("correlation_id", correlationID))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "document store unavailable", correlationID)
	default:
		s.log.Error("document store failure", logger.Error(err), logger.String("correlation_id", correlationID))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return nil, false
		}
		parts = append(parts, unescaped)
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) readJSONBody(w http.ResponseWriter, r *http.Request, correlationID string) (json.RawMessage, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if len(body) == 0 || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	return json.RawMessage(body), true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
