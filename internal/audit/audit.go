// Package audit records who did what to which path. Entries are handed to a
// Dispatcher, which writes them to a Sink on background workers so the file
// operation that produced them never waits on the audit trail.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
)

// Action names an audited operation.
type Action string

const (
	ActionUpload          Action = "FILE_UPLOAD"
	ActionDelete          Action = "DELETE_FILE"
	ActionMove            Action = "MOVE_FILE"
	ActionCreateDirectory Action = "CREATE_DIRECTORY"
	ActionDownload        Action = "DOWNLOAD"
)

// Status is the outcome of an audited operation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// UnknownIP is recorded when the client address is not known.
const UnknownIP = "N/A"

// Entry is one audit record.
type Entry struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Action    Action    `json:"action"`
	Target    string    `json:"target"`
	SourceIP  string    `json:"source_ip"`
	Status    Status    `json:"status"`
	Size      int64     `json:"size,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder accepts audit entries. Record must not block on I/O.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Sink persists or forwards audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Reader pages through stored entries, newest first.
type Reader interface {
	List(ctx context.Context, offset, limit int) ([]Entry, error)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Multi writes every entry to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes entries to the structured log.
type LogSink struct{}

func (LogSink) Write(_ context.Context, e Entry) error {
	logging.Info("audit",
		zap.String("actor", e.ActorID),
		zap.String("action", string(e.Action)),
		zap.String("target", e.Target),
		zap.String("ip", e.SourceIP),
		zap.String("status", string(e.Status)),
		zap.Int64("size", e.Size),
		zap.String("trace_id", e.TraceID))
	return nil
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
