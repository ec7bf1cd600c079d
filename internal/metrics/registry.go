package metrics

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Names of the counters and timers the storage engine reports.
const (
	PreviewCacheHit    = "preview_cache_hit_total"
	PreviewCacheMiss   = "preview_cache_miss_total"
	AuditQueryDuration = "audit_query_duration_seconds"
	AuditDropped       = "audit_dropped_total"
)

// Counter is a monotonically increasing count that can be read back.
type Counter interface {
	Inc()
	Value() float64
}

// Timer records operation latencies.
type Timer interface {
	Observe(d time.Duration)
}

// Registry hands out named counters and timers. Asking for the same name
// twice returns the same instrument.
type Registry interface {
	Counter(name, help string) Counter
	Timer(name, help string) Timer
}

// OrNop returns r, or a no-op registry when r is nil.
func OrNop(r Registry) Registry {
	if r == nil {
		return Nop{}
	}
	return r
}

// Since observes the time elapsed since start on t.
func Since(t Timer, start time.Time) {
	t.Observe(time.Since(start))
}

type sampler interface {
	samples() (count int64, total time.Duration)
}

// Mean returns the average of the durations observed by t. It reports false
// when t records nothing readable or has no observations yet.
func Mean(t Timer) (time.Duration, bool) {
	s, ok := t.(sampler)
	if !ok {
		return 0, false
	}
	count, total := s.samples()
	if count == 0 {
		return 0, false
	}
	return total / time.Duration(count), true
}

// Prometheus is a Registry backed by a prometheus.Registerer.
type Prometheus struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*promCounter
	timers   map[string]*promTimer
}

// NewPrometheus creates a registry on reg, or on the default registerer when
// reg is nil.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		reg:      reg,
		counters: make(map[string]*promCounter),
		timers:   make(map[string]*promTimer),
	}
}

func (p *Prometheus) Counter(name, help string) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	if err := p.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				c = existing
			}
		}
	}
	pc := &promCounter{c: c}
	p.counters[name] = pc
	return pc
}

func (p *Prometheus) Timer(name, help string) Timer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[name]; ok {
		return t
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	})
	if err := p.reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				h = existing
			}
		}
	}
	pt := &promTimer{h: h}
	p.timers[name] = pt
	return pt
}

type promCounter struct {
	c prometheus.Counter
}

func (c *promCounter) Inc() { c.c.Inc() }

func (c *promCounter) Value() float64 {
	var m dto.Metric
	if err := c.c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type promTimer struct {
	h prometheus.Histogram
}

func (t *promTimer) Observe(d time.Duration) { t.h.Observe(d.Seconds()) }

func (t *promTimer) samples() (int64, time.Duration) {
	var m dto.Metric
	if err := t.h.Write(&m); err != nil {
		return 0, 0
	}
	h := m.GetHistogram()
	return int64(h.GetSampleCount()), time.Duration(h.GetSampleSum() * float64(time.Second))
}

// Local is an in-memory Registry for tests and embedded use.
type Local struct {
	mu       sync.Mutex
	counters map[string]*LocalCounter
	timers   map[string]*LocalTimer
}

// NewLocal creates an empty in-memory registry.
func NewLocal() *Local {
	return &Local{
		counters: make(map[string]*LocalCounter),
		timers:   make(map[string]*LocalTimer),
	}
}

func (l *Local) Counter(name, _ string) Counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[name]
	if !ok {
		c = &LocalCounter{}
		l.counters[name] = c
	}
	return c
}

func (l *Local) Timer(name, _ string) Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timers[name]
	if !ok {
		t = &LocalTimer{}
		l.timers[name] = t
	}
	return t
}

// LocalCounter is an atomic counter.
type LocalCounter struct {
	n atomic.Uint64
}

func (c *LocalCounter) Inc()           { c.n.Add(1) }
func (c *LocalCounter) Value() float64 { return float64(c.n.Load()) }

// LocalTimer keeps the observation count and total.
type LocalTimer struct {
	count atomic.Int64
	total atomic.Int64
}

func (t *LocalTimer) Observe(d time.Duration) {
	t.count.Add(1)
	t.total.Add(int64(d))
}

// Count returns the number of observations.
func (t *LocalTimer) Count() int64 { return t.count.Load() }

// Total returns the summed duration of all observations.
func (t *LocalTimer) Total() time.Duration { return time.Duration(t.total.Load()) }

func (t *LocalTimer) samples() (int64, time.Duration) { return t.Count(), t.Total() }

// Nop discards everything.
type Nop struct{}

func (Nop) Counter(string, string) Counter { return nopCounter{} }
func (Nop) Timer(string, string) Timer     { return nopTimer{} }

type nopCounter struct{}

func (nopCounter) Inc()           {}
func (nopCounter) Value() float64 { return 0 }

type nopTimer struct{}

func (nopTimer) Observe(time.Duration) {}
