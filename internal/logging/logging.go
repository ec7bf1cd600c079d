// Package logging provides structured logging with zap. Every HTTP request
// gets its own logger carrying the request ID; identity layers further down
// the handler chain attach the client address and actor to it, so the access
// line written on the way out names who made the request.
package logging

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader is read from the client and echoed on the response.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestKey contextKey = "request"

// global backs the package-level helpers and skips their frame; direct is
// the same logger for callers that log through it themselves.
var (
	global = zap.NewNop()
	direct = global
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger from cfg. An unknown level falls back to
// info.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}
	Use(logger)
	return nil
}

// Use installs logger as the global logger.
func Use(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	global = logger
	direct = logger.WithOptions(zap.AddCallerSkip(-1))
}

// InitNop installs a logger that discards everything. Used by tests.
func InitNop() { Use(zap.NewNop()) }

// Sync flushes any buffered log entries.
func Sync() error { return global.Sync() }

// requestLog is the per-request logger. It is shared by every context
// derived from the request, so fields added deep in the chain show up in
// the access line.
type requestLog struct {
	id string

	mu     sync.Mutex
	logger *zap.Logger
}

func (rl *requestLog) current() *zap.Logger {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.logger
}

func fromContext(ctx context.Context) *requestLog {
	if ctx == nil {
		return nil
	}
	rl, _ := ctx.Value(requestKey).(*requestLog)
	return rl
}

// WithRequestID starts a request scope tagged with requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	rl := &requestLog{id: requestID, logger: direct.With(zap.String("request_id", requestID))}
	return context.WithValue(ctx, requestKey, rl)
}

// GetRequestID returns the request ID from context, or "".
func GetRequestID(ctx context.Context) string {
	if rl := fromContext(ctx); rl != nil {
		return rl.id
	}
	return ""
}

// AddFields attaches fields to the request logger of ctx. Outside a request
// scope it does nothing.
func AddFields(ctx context.Context, fields ...zap.Field) {
	rl := fromContext(ctx)
	if rl == nil || len(fields) == 0 {
		return
	}
	rl.mu.Lock()
	rl.logger = rl.logger.With(fields...)
	rl.mu.Unlock()
}

// WithContext returns the request logger of ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if rl := fromContext(ctx); rl != nil {
		return rl.current()
	}
	return direct
}

func Debug(msg string, fields ...zap.Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { global.Error(msg, fields...) }

// Fatal logs and exits.
func Fatal(msg string, fields ...zap.Field) { global.Fatal(msg, fields...) }

// statusRecorder captures status and size for the access line.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush keeps SSE streaming working through the wrapper.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware opens a request scope and writes one access line per request.
// 5xx responses are logged at error level, 4xx at warn.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := WithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
			zap.String("user_agent", r.UserAgent()),
		}
		logger := WithContext(ctx)
		switch {
		case rw.status >= 500:
			logger.Error("request completed", fields...)
		case rw.status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	})
}
