// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/events"
	"github.com/HuiungJang/private-nas-for-mac/internal/files"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
	"github.com/HuiungJang/private-nas-for-mac/internal/monitor"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// Previewer returns previews of stored files.
type Previewer interface {
	Get(ctx context.Context, logicalPath, actor string) (*storage.Content, error)
}

// Deps bundles the server dependencies. Previews, AuditLog, Monitor,
// Broadcaster and Metrics may be nil; their routes are then not mounted.
type Deps struct {
	Files         *files.Service
	Previews      Previewer
	AuditLog      *audit.Log
	Monitor       *monitor.Monitor
	Broadcaster   *events.Broadcaster
	MaxUploadSize int64

	// Authenticate attaches an identity to protected requests.
	Authenticate func(http.Handler) http.Handler
	// RateLimit runs after Authenticate. Optional.
	RateLimit func(http.Handler) http.Handler

	IPResolver *auth.IPResolver
	Allowlist  *auth.Allowlist

	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server.
type Server struct {
	Deps
	validate *validator.Validate
}

// NewServer creates a new server.
func NewServer(d Deps) (*Server, error) {
	if d.Files == nil {
		return nil, errors.New("api: files service is required")
	}
	if d.Authenticate == nil {
		return nil, errors.New("api: authentication middleware is required")
	}
	if d.IPResolver == nil {
		d.IPResolver, _ = auth.NewIPResolver(nil)
	}
	return &Server{Deps: d, validate: validator.New()}, nil
}

// Handler returns the HTTP handler with logging, client address, allowlist
// and metrics middleware. Metrics wraps the mux directly so that requests
// are labelled with their route pattern.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}

	// File endpoints
	mux.Handle("GET /api/v1/files", s.protect(s.handleList))
	mux.Handle("GET /api/v1/files/content/{path...}", s.protect(s.handleDownload))
	mux.Handle("POST /api/v1/files/content/{path...}", s.protect(s.handleUpload))
	mux.Handle("GET /api/v1/files/status/{path...}", s.protect(s.handleUploadStatus))
	mux.Handle("POST /api/v1/files/delete", s.protect(s.handleDelete))
	mux.Handle("POST /api/v1/files/move", s.protect(s.handleMove))
	mux.Handle("POST /api/v1/files/directories", s.protect(s.handleCreateDirectory))
	if s.Previews != nil {
		mux.Handle("GET /api/v1/files/preview/{path...}", s.protect(s.handlePreview))
	}
	if s.Broadcaster != nil {
		mux.Handle("GET /api/v1/events", s.protect(s.handleEvents))
	}

	// Admin endpoints
	if s.AuditLog != nil {
		mux.Handle("GET /api/v1/admin/audit", s.protectAdmin(s.handleAuditLog))
	}
	if s.Monitor != nil {
		mux.Handle("GET /api/v1/admin/system/health", s.protectAdmin(s.handleSystemHealth))
	}

	var h http.Handler = metrics.Middleware(mux)
	if s.Allowlist != nil {
		h = s.Allowlist.Middleware(h)
	}
	h = s.IPResolver.Middleware(h)
	return logging.Middleware(h)
}

func (s *Server) protect(fn http.HandlerFunc) http.Handler {
	var h http.Handler = fn
	if s.RateLimit != nil {
		h = s.RateLimit(h)
	}
	return s.Authenticate(h)
}

func (s *Server) protectAdmin(fn http.HandlerFunc) http.Handler {
	var h http.Handler = auth.RequireAdmin(fn)
	if s.RateLimit != nil {
		h = s.RateLimit(h)
	}
	return s.Authenticate(h)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.Monitor.Snapshot())
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.Broadcaster.Subscribe()
	defer s.Broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Audit ──────────────────────────────────────────────────────────────────

type auditPage struct {
	Entries []audit.Entry `json:"entries"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.AuditLog.Entries(r.Context(), offset, limit)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.sendJSON(w, http.StatusOK, auditPage{
		Entries: entries,
		Offset:  max(offset, 0),
		Limit:   min(max(limit, 1), audit.MaxPageSize),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

// sendStorageError maps the storage error taxonomy onto HTTP statuses.
// Unexpected errors are logged and answered with a generic message.
func (s *Server) sendStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrAccessDenied):
		s.sendError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidArgument):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrInsufficientStorage):
		s.sendError(w, http.StatusInsufficientStorage, "insufficient storage")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
	default:
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into v and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			s.sendError(w, http.StatusBadRequest,
				fmt.Sprintf("%s: failed on '%s'", verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
