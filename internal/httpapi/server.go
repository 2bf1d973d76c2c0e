// Package httpapi serves a rowstore.Store to remote clients over HTTP with
// bearer-token auth and a websocket change feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/rowstore"
	"github.com/gorilla/mux"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// MaxRows caps the rows accepted by one insert or upsert.
	MaxRows        int
	AllowedOrigins []string
	Logger         Logger
	Now            func() time.Time
}

type Server struct {
	store       rowstore.Store
	cfg         ServerConfig
	router      *mux.Router
	hub         *changeHub
	rateLimiter *rateLimiter
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

func NewServer(store rowstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store rowstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 500
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		hub:         newChangeHub(),
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/entries").Subrouter()
	v1.HandleFunc("", s.requireScope(ScopeRead, s.handleList)).Methods(http.MethodGet)
	v1.HandleFunc("", s.requireScope(ScopeWrite, s.handleInsert)).Methods(http.MethodPost)
	v1.HandleFunc("", s.requireScope(ScopeWrite, s.handleUpsert)).Methods(http.MethodPut)
	v1.HandleFunc("/changes", s.requireScope(ScopeRead, s.handleChanges)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}", s.requireScope(ScopeWrite, s.handleUpdate)).Methods(http.MethodPatch)
	v1.HandleFunc("/{id}", s.requireScope(ScopeWrite, s.handleDelete)).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rowsRequest struct {
	Rows []entries.Row `json:"rows"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	list, err := s.store.Select(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	entries.SortNewestFirst(list)
	if list == nil {
		list = []entries.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": list})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	s.handleRows(w, r, http.StatusCreated, s.store.Insert)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	s.handleRows(w, r, http.StatusOK, s.store.Upsert)
}

type rowsFunc func(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error)

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request, status int, apply rowsFunc) {
	correlationID := getCorrelationID(r)
	var req rowsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "rows must not be empty", correlationID)
		return
	}
	if len(req.Rows) > s.cfg.MaxRows {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("at most %d rows per request", s.cfg.MaxRows), correlationID)
		return
	}
	for i, row := range req.Rows {
		if err := entries.ValidateRow(row); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("rows[%d]: %v", i, err), correlationID)
			return
		}
	}
	owner := ownerFrom(r)
	saved, err := apply(r.Context(), owner, req.Rows)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	now := s.cfg.Now().UTC()
	for _, entry := range saved {
		s.hub.publish(owner, entries.ChangeEvent{Type: entries.ChangeUpserted, ID: entry.ID, At: now})
	}
	writeJSON(w, status, map[string]any{"entries": saved})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id := mux.Vars(r)["id"]
	var patch entries.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	if err := entries.ValidatePatch(patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return
	}
	owner := ownerFrom(r)
	entry, err := s.store.Update(r.Context(), owner, id, patch)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.publish(owner, entries.ChangeEvent{Type: entries.ChangeUpserted, ID: entry.ID, At: s.cfg.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id := mux.Vars(r)["id"]
	owner := ownerFrom(r)
	if err := s.store.Delete(r.Context(), owner, id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.publish(owner, entries.ChangeEvent{Type: entries.ChangeDeleted, ID: id, At: s.cfg.Now().UTC()})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, entries.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, entries.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, entries.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, rowstore.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "row store unavailable", correlationID)
	default:
		s.logf("row store error correlation=%s: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) now() time.Time {
	return s.cfg.Now()
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
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
