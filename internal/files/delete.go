package files

import (
	"context"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
)

// DeleteFailure is one path that could not be deleted.
type DeleteFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// DeleteResult reports the outcome of a batch delete.
type DeleteResult struct {
	Deleted  []string        `json:"deleted"`
	Failures []DeleteFailure `json:"failures"`
}

// DeleteFiles deletes each path in order. A failure is recorded in the
// result and the batch continues; earlier deletions are kept.
func (s *Service) DeleteFiles(ctx context.Context, paths []string, actorID string) DeleteResult {
	result := DeleteResult{
		Deleted:  make([]string, 0, len(paths)),
		Failures: []DeleteFailure{},
	}
	for _, p := range paths {
		err := s.store.Delete(ctx, p, actorID)
		s.record(ctx, actorID, audit.ActionDelete, p, 0, err)
		if err != nil {
			logging.WithContext(ctx).Warn("batch delete: item failed",
				zap.String("path", p),
				zap.Error(err))
			result.Failures = append(result.Failures, DeleteFailure{Path: p, Reason: err.Error()})
			continue
		}
		s.evict(p)
		result.Deleted = append(result.Deleted, p)
	}
	return result
}
