package audit

import (
	"context"
	"time"

	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
)

// MaxPageSize caps a single audit query.
const MaxPageSize = 500

// Log answers paged audit queries and times them.
type Log struct {
	reader Reader
	timer  metrics.Timer
}

// NewLog wraps reader.
func NewLog(reader Reader, reg metrics.Registry) *Log {
	return &Log{
		reader: reader,
		timer:  metrics.OrNop(reg).Timer(metrics.AuditQueryDuration, "Audit log query latency"),
	}
}

// Entries returns a page of entries, newest first. The offset is raised to
// zero and the limit clamped to [1, MaxPageSize].
func (l *Log) Entries(ctx context.Context, offset, limit int) ([]Entry, error) {
	defer metrics.Since(l.timer, time.Now())
	offset = max(offset, 0)
	limit = min(max(limit, 1), MaxPageSize)
	return l.reader.List(ctx, offset, limit)
}
