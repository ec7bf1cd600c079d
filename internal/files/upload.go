package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

const checksumBufferSize = 32 << 10

// UploadRequest describes one upload. Body is consumed exactly once.
type UploadRequest struct {
	Body      io.Reader
	FileName  string
	Directory string
	Size      int64
	Actor     string
	// Checksum is an optional hex SHA-256 of the content.
	Checksum string
}

// Upload validates req, checks free space, stores the file and, when a
// checksum is given, verifies the stored bytes. A file failing verification
// is removed again. It returns the logical path of the new file.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (string, error) {
	const op = "upload"
	if err := s.validator.Validate(req.FileName, req.Size); err != nil {
		return "", err
	}

	target := joinLogical(req.Directory, req.FileName)
	available, err := s.store.AvailableSpace(ctx)
	if err != nil {
		return "", err
	}
	required := req.Size + req.Size/10
	if available <= required {
		logging.WithContext(ctx).Warn("upload rejected: insufficient storage",
			zap.Int64("required", required),
			zap.Int64("available", available))
		return "", storage.E(op, target, storage.ErrInsufficientStorage,
			fmt.Errorf("need %d bytes, %d available", required, available))
	}

	if err := s.store.Save(ctx, target, req.Body, req.Size, req.Actor); err != nil {
		s.record(ctx, req.Actor, audit.ActionUpload, target, req.Size, err)
		return "", err
	}

	if expected := strings.TrimSpace(req.Checksum); expected != "" {
		if err := s.verify(ctx, target, expected, req.Actor); err != nil {
			s.record(ctx, req.Actor, audit.ActionUpload, target, req.Size, err)
			return "", err
		}
	}

	s.evict(target)
	s.record(ctx, req.Actor, audit.ActionUpload, target, req.Size, nil)
	return target, nil
}

// verify hashes the stored file and deletes it on mismatch. If the delete
// fails too, both errors are returned.
func (s *Service) verify(ctx context.Context, target, expected, actor string) error {
	actual, err := s.checksum(ctx, target, actor)
	if err == nil && strings.EqualFold(actual, expected) {
		return nil
	}
	if err == nil {
		logging.WithContext(ctx).Warn("upload checksum mismatch",
			zap.String("path", target),
			zap.String("expected", strings.ToLower(expected)),
			zap.String("actual", actual))
		err = storage.Invalid("upload", target, "checksum mismatch")
	}

	if delErr := s.store.Delete(ctx, target, actor); delErr != nil {
		logging.WithContext(ctx).Error("failed to remove unverified upload",
			zap.String("path", target),
			zap.Error(delErr))
		return errors.Join(err, fmt.Errorf("remove unverified upload: %w", delErr))
	}
	return err
}

// checksum streams the stored file through SHA-256 with a fixed buffer.
func (s *Service) checksum(ctx context.Context, logicalPath, actor string) (string, error) {
	content, err := s.store.Retrieve(ctx, logicalPath, actor)
	if err != nil {
		return "", err
	}
	defer content.Body.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, content.Body, make([]byte, checksumBufferSize)); err != nil {
		return "", storage.E("checksum", logicalPath, storage.ErrIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
