// Package monitor reports a cached snapshot of system health.
package monitor

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
)

// DefaultTTL is how long a snapshot is reused.
const DefaultTTL = 2 * time.Second

// Snapshot is a point-in-time view of the server. Values that could not be
// read are -1.
type Snapshot struct {
	MemoryUsed           int64     `json:"memory_used"`
	MemoryTotal          int64     `json:"memory_total"`
	Goroutines           int       `json:"goroutines"`
	StorageUsed          int64     `json:"storage_used"`
	StorageTotal         int64     `json:"storage_total"`
	PreviewCacheHit      float64   `json:"preview_cache_hit"`
	PreviewCacheMiss     float64   `json:"preview_cache_miss"`
	PreviewCacheHitRatio float64   `json:"preview_cache_hit_ratio"`
	AuditQueryMeanMs     float64   `json:"audit_query_mean_ms"`
	Timestamp            time.Time `json:"timestamp"`
}

// DiskUsageFunc reports the available and total bytes of the storage device.
type DiskUsageFunc func() (available, total int64, err error)

// CacheStats reports preview cache hits and misses.
type CacheStats interface {
	Stats() (hits, misses float64)
}

// Monitor builds snapshots and caches them for a TTL.
type Monitor struct {
	disk       DiskUsageFunc
	cache      CacheStats
	auditTimer metrics.Timer
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time
}

// New creates a monitor. A ttl of 0 recomputes on every call; a negative ttl
// takes DefaultTTL. cache and auditTimer may be nil.
func New(disk DiskUsageFunc, cache CacheStats, auditTimer metrics.Timer, ttl time.Duration) *Monitor {
	if ttl < 0 {
		ttl = DefaultTTL
	}
	return &Monitor{
		disk:       disk,
		cache:      cache,
		auditTimer: auditTimer,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Snapshot returns the cached snapshot, recomputing it once the TTL expired.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.ttl > 0 && m.cached != nil && now.Sub(m.cachedAt) < m.ttl {
		return *m.cached
	}
	s := m.compute(now)
	m.cached = &s
	m.cachedAt = now
	return s
}

func (m *Monitor) compute(now time.Time) Snapshot {
	s := Snapshot{StorageUsed: -1, StorageTotal: -1, AuditQueryMeanMs: -1, Timestamp: now}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.MemoryUsed = int64(ms.HeapAlloc)
	s.MemoryTotal = int64(ms.Sys)
	s.Goroutines = runtime.NumGoroutine()

	if m.disk != nil {
		available, total, err := m.disk()
		if err != nil {
			logging.Error("failed to read storage usage", zap.Error(err))
		} else {
			s.StorageUsed = total - available
			s.StorageTotal = total
		}
	}

	if m.cache != nil {
		s.PreviewCacheHit, s.PreviewCacheMiss = m.cache.Stats()
		if sum := s.PreviewCacheHit + s.PreviewCacheMiss; sum > 0 {
			s.PreviewCacheHitRatio = s.PreviewCacheHit / sum
		}
	}

	if m.auditTimer != nil {
		if mean, ok := metrics.Mean(m.auditTimer); ok {
			s.AuditQueryMeanMs = float64(mean) / float64(time.Millisecond)
		}
	}
	return s
}
