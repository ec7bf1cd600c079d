// Package postgres provides a PostgreSQL-backed audit sink.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	actor_id    TEXT NOT NULL,
	action      TEXT NOT NULL,
	target      TEXT NOT NULL,
	source_ip   TEXT NOT NULL,
	status      TEXT NOT NULL,
	size        BIGINT NOT NULL DEFAULT 0,
	trace_id    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS audit_log_created_at_idx ON audit_log (created_at DESC);
`

// Config holds connection settings.
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Store writes and reads audit entries in PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ audit.Sink   = (*Store)(nil)
	_ audit.Reader = (*Store)(nil)
)

// New opens the database, verifies the connection and creates the table.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 10))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 2))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database handle. The caller owns migration.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the audit table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit_log: %w", err)
	}
	logging.Debug("audit_log schema ready")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write inserts one entry. Replayed entries with a known ID are ignored.
func (s *Store) Write(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_id, action, target, source_ip, status, size, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.ActorID, string(e.Action), e.Target, e.SourceIP, string(e.Status), e.Size, e.TraceID, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, offset, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_id, action, target, source_ip, status, size, trace_id, created_at
		 FROM audit_log ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var action, status string
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &e.Target, &e.SourceIP, &status, &e.Size, &e.TraceID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = audit.Action(action)
		e.Status = audit.Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}

	logging.Debug("audit log queried",
		zap.Int("offset", offset),
		zap.Int("limit", limit),
		zap.Int("rows", len(entries)))
	return entries, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
