package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/blocklist"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	source      TEXT,
	entity_id   TEXT,
	user_agent  TEXT,
	path        TEXT,
	message     TEXT NOT NULL,
	details     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_source_idx ON security_events (source, occurred_at DESC);
CREATE TABLE IF NOT EXISTS blocked_sources (
	ip         TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	blocked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	permanent  BOOLEAN NOT NULL DEFAULT FALSE
);`

const insertSecurityEvent = `
INSERT INTO security_events (
	id, event_type, severity, source, entity_id, user_agent, path, message, details, occurred_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

// A permanent block is never downgraded by a later temporary one
const upsertBlockedSource = `
INSERT INTO blocked_sources (ip, reason, blocked_at, expires_at, permanent)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ip) DO UPDATE SET
	reason = EXCLUDED.reason,
	blocked_at = EXCLUDED.blocked_at,
	expires_at = CASE WHEN blocked_sources.permanent THEN NULL ELSE EXCLUDED.expires_at END,
	permanent = blocked_sources.permanent OR EXCLUDED.permanent`

// PostgresWriter batches security events into the security_events table and
// records blocked sources
type PostgresWriter struct {
	db     *sql.DB
	batch  *batcher
	logger *slog.Logger
}

// NewPostgresWriter connects to databaseURL, creates the tables if needed and
// starts the background writer
func NewPostgresWriter(ctx context.Context, databaseURL string, opts BatchOptions, logger *slog.Logger) (*PostgresWriter, error) {
	connector, err := pq.NewConnector(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	logger.Info("Connected to PostgreSQL database")

	w := &PostgresWriter{db: db, logger: logger}
	w.batch = newBatcher("postgres", opts, w.writeBatch, logger)
	w.batch.start()
	return w, nil
}

func (w *PostgresWriter) Name() string { return "postgres" }

// PersistSecurityEvent queues ev; it is written with the next batch
func (w *PostgresWriter) PersistSecurityEvent(_ context.Context, ev model.SecurityEvent) error {
	return w.batch.enqueue(ev)
}

// RecordBlock upserts a blocked source row
func (w *PostgresWriter) RecordBlock(ctx context.Context, e blocklist.Entry) error {
	var expires interface{}
	if !e.Permanent() {
		expires = e.ExpiresAt
	}
	if _, err := w.db.ExecContext(ctx, upsertBlockedSource, e.IP, e.Reason, e.BlockedAt, expires, e.Permanent()); err != nil {
		return fmt.Errorf("failed to record blocked source %s: %w", e.IP, err)
	}
	return nil
}

func (w *PostgresWriter) writeBatch(ctx context.Context, batch []model.SecurityEvent) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSecurityEvent)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			details = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID,
			ev.Type,
			ev.Severity.String(),
			ev.Source,
			ev.EntityID,
			ev.UserAgent,
			ev.Path,
			ev.Message,
			string(details),
			ev.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Stats returns writer counters
func (w *PostgresWriter) Stats() BatchStats {
	return w.batch.stats()
}

// Close flushes queued events and closes the database
func (w *PostgresWriter) Close() error {
	w.batch.stop()
	return w.db.Close()
}
