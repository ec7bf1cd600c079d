package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 1000
	writeTimeout     = 5 * time.Second
)

// DispatcherConfig sizes the dispatcher.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// Dispatcher queues entries and writes them to a sink on worker goroutines.
// When the queue is full new entries are dropped and counted.
type Dispatcher struct {
	sink    Sink
	queue   chan Entry
	workers int
	dropped metrics.Counter

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher writing to sink.
func NewDispatcher(sink Sink, cfg DispatcherConfig, reg metrics.Registry) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan Entry, cfg.QueueSize),
		workers: cfg.Workers,
		dropped: metrics.OrNop(reg).Counter(metrics.AuditDropped, "Audit entries dropped because the queue was full"),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	logging.Info("audit dispatcher started", zap.Int("workers", d.workers))
}

// Stop stops accepting entries, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	logging.Info("audit dispatcher stopped")
}

// Record stamps e with an ID, trace ID and timestamp where missing and queues
// it. It never blocks.
func (d *Dispatcher) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = logging.GetRequestID(ctx)
	}
	if e.SourceIP == "" {
		e.SourceIP = UnknownIP
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "dispatcher stopped")
		return
	}
	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Entry, reason string) {
	d.dropped.Inc()
	logging.Warn("audit entry dropped",
		zap.String("reason", reason),
		zap.String("action", string(e.Action)),
		zap.String("target", e.Target))
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := d.sink.Write(ctx, e); err != nil {
			logging.Error("audit write failed",
				zap.String("action", string(e.Action)),
				zap.String("target", e.Target),
				zap.Error(err))
		}
		cancel()
	}
}
