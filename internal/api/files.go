package api

import (
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/files"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

// ChecksumHeader carries the optional hex SHA-256 of an upload.
const ChecksumHeader = "X-Checksum-SHA256"

// ─── List ───────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
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
	sort, err := storage.ParseSortOrder(q.Get("sort"))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}

	listing, err := s.Files.List(r.Context(), q.Get("path"), offset, limit, sort)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, listing)
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	content, err := s.Files.Download(r.Context(), "/"+r.PathValue("path"), auth.ActorID(r.Context()))
	if err != nil {
		metrics.RecordDownload(0, false)
		s.sendStorageError(w, r, err)
		return
	}
	defer content.Body.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": content.Name}))
	s.serveContent(w, r, content)
	metrics.RecordDownload(content.Size, true)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	content, err := s.Previews.Get(r.Context(), "/"+r.PathValue("path"), auth.ActorID(r.Context()))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	defer content.Body.Close()

	w.Header().Set("Cache-Control", "private, max-age=300")
	s.serveContent(w, r, content)
}

// serveContent streams content, with range support when the body can seek.
func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, content *storage.Content) {
	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if rs, ok := content.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, content.Name, content.ModTime, rs)
		return
	}
	if content.Size >= 0 {
		w.Header().Set("Content-Length", itoa64(content.Size))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content.Body); err != nil {
		logging.WithContext(r.Context()).Debug("content stream interrupted", zap.Error(err))
	}
}

// ─── Upload ─────────────────────────────────────────────────────────────────

type uploadResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// handleUpload streams the raw request body to a new file at the given path.
// The body is never buffered in memory.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	target := "/" + r.PathValue("path")
	dir, name := path.Split(target)
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "file name required")
		return
	}
	if r.ContentLength < 0 {
		s.sendError(w, http.StatusLengthRequired, "Content-Length required")
		return
	}
	if s.MaxUploadSize > 0 && r.ContentLength > s.MaxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge, "file too large: max "+itoa64(s.MaxUploadSize)+" bytes")
		return
	}

	checksum := r.Header.Get(ChecksumHeader)
	if checksum == "" {
		checksum = r.URL.Query().Get("checksum")
	}

	stored, err := s.Files.Upload(r.Context(), files.UploadRequest{
		Body:      r.Body,
		FileName:  name,
		Directory: dir,
		Size:      r.ContentLength,
		Actor:     auth.ActorID(r.Context()),
		Checksum:  checksum,
	})
	metrics.RecordUpload(r.ContentLength, err == nil)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, uploadResponse{Path: stored, Size: r.ContentLength})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Files.UploadStatus(r.Context(), "/"+r.PathValue("path"))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

type deleteRequest struct {
	Paths []string `json:"paths" validate:"required,min=1,max=1000,dive,required"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result := s.Files.DeleteFiles(r.Context(), req.Paths, auth.ActorID(r.Context()))
	s.sendJSON(w, http.StatusOK, result)
}

type moveRequest struct {
	Source      string `json:"source" validate:"required"`
	Destination string `json:"destination" validate:"required,nefield=Source"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.Files.MoveFile(r.Context(), req.Source, req.Destination, auth.ActorID(r.Context())); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createDirectoryRequest struct {
	Parent string `json:"parent"`
	Name   string `json:"name" validate:"required"`
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req createDirectoryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Parent) == "" {
		req.Parent = "/"
	}
	if err := s.Files.CreateDirectory(r.Context(), req.Parent, req.Name, auth.ActorID(r.Context())); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{
		"path": strings.TrimSuffix(req.Parent, "/") + "/" + strings.TrimSpace(req.Name),
	})
}
