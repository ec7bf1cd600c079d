// Package files coordinates the user-facing file operations on top of a
// storage.Store: validated uploads with checksum verification, best-effort
// batch deletes, moves, directory creation, downloads and listings. Every
// mutation is reported to the audit trail.
package files

import (
	"context"
	"strings"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

// Invalidator drops derived data, such as previews, kept for a path.
type Invalidator interface {
	Evict(logicalPath string)
}

// Option customizes a Service.
type Option func(*Service)

// WithInvalidator evicts derived data of every path a successful upload,
// delete or move touches, before the call returns.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidators = append(s.invalidators, inv) }
}

// Service implements the file operations.
type Service struct {
	store        storage.Store
	validator    Validator
	audit        audit.Recorder
	invalidators []Invalidator
}

// NewService creates a Service. A nil recorder discards audit entries.
func NewService(store storage.Store, validator Validator, rec audit.Recorder, opts ...Option) *Service {
	if rec == nil {
		rec = audit.Discard{}
	}
	s := &Service{store: store, validator: validator, audit: rec}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns one page of a directory. The store clamps offset and limit
// to its configured page ceiling.
func (s *Service) List(ctx context.Context, logicalPath string, offset, limit int, sort storage.SortOrder) (*storage.Listing, error) {
	return s.store.List(ctx, logicalPath, offset, limit, sort)
}

// Download opens a file for streaming and records the access.
func (s *Service) Download(ctx context.Context, logicalPath, actorID string) (*storage.Content, error) {
	content, err := s.store.Retrieve(ctx, logicalPath, actorID)
	s.record(ctx, actorID, audit.ActionDownload, logicalPath, 0, err)
	if err != nil {
		return nil, err
	}
	return content, nil
}

// MoveFile moves src to dst.
func (s *Service) MoveFile(ctx context.Context, src, dst, actorID string) error {
	err := s.store.Move(ctx, src, dst, actorID)
	if err == nil {
		s.evict(src, dst)
	}
	s.record(ctx, actorID, audit.ActionMove, src+" -> "+dst, 0, err)
	return err
}

// CreateDirectory creates name under parent.
func (s *Service) CreateDirectory(ctx context.Context, parent, name, actorID string) error {
	target := joinLogical(parent, strings.TrimSpace(name))
	err := s.store.CreateDirectory(ctx, parent, name, actorID)
	s.record(ctx, actorID, audit.ActionCreateDirectory, target, 0, err)
	return err
}

// UploadStatus reports whether a file exists and how large it is, so a
// client can decide whether to resend.
type UploadStatus struct {
	Exists bool  `json:"exists"`
	Size   int64 `json:"size"`
}

// UploadStatus returns the state of logicalPath.
func (s *Service) UploadStatus(ctx context.Context, logicalPath string) (UploadStatus, error) {
	exists, err := s.store.Exists(ctx, logicalPath)
	if err != nil || !exists {
		return UploadStatus{}, err
	}
	size, err := s.store.Size(ctx, logicalPath)
	if err != nil {
		return UploadStatus{}, err
	}
	return UploadStatus{Exists: true, Size: size}, nil
}

func (s *Service) record(ctx context.Context, actorID string, action audit.Action, target string, size int64, err error) {
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   action,
		Target:   target,
		SourceIP: auth.ClientIP(ctx),
		Status:   status,
		Size:     size,
	})
}

func (s *Service) evict(paths ...string) {
	for _, inv := range s.invalidators {
		for _, p := range paths {
			inv.Evict(p)
		}
	}
}

// joinLogical appends name to dir with exactly one separator.
func joinLogical(dir, name string) string {
	return strings.TrimSuffix(strings.TrimSpace(dir), "/") + "/" + name
}
