// Package postgres provides a PostgreSQL-backed [recording.Catalog].
//
// Usage:
//
//	cat, err := postgres.NewCatalog(ctx, dsn)
//	if err != nil { … }
//	defer cat.Close()
//	exp := recording.NewExporter(store, recording.WithCatalog(cat))
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/duplexa/internal/recording"
)

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    id           UUID         PRIMARY KEY,
    object_key   TEXT         NOT NULL,
    backend      TEXT         NOT NULL,
    sample_rate  INTEGER      NOT NULL,
    channels     SMALLINT     NOT NULL,
    frames       INTEGER      NOT NULL,
    bytes        BIGINT       NOT NULL,
    duration_ns  BIGINT       NOT NULL,
    transcript   TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recordings_created_at
    ON recordings (created_at);
`

// Catalog stores one row per delivered recording. It is safe for concurrent use.
type Catalog struct {
	pool *pgxpool.Pool
}

var _ recording.Catalog = (*Catalog)(nil)

// NewCatalog connects to the database at dsn and runs [Migrate].
func NewCatalog(ctx context.Context, dsn string) (*Catalog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: migrate: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// Migrate creates the recordings table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecordings); err != nil {
		return fmt.Errorf("create recordings table: %w", err)
	}
	return nil
}

// Record implements [recording.Catalog]. Re-recording the same ID updates the
// row, so a retried export never duplicates.
func (c *Catalog) Record(ctx context.Context, e recording.Entry) error {
	const q = `
INSERT INTO recordings
    (id, object_key, backend, sample_rate, channels, frames, bytes, duration_ns, transcript, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    object_key = EXCLUDED.object_key,
    backend    = EXCLUDED.backend,
    transcript = EXCLUDED.transcript`
	_, err := c.pool.Exec(ctx, q,
		e.ID, e.Key, e.Backend, e.SampleRate, e.Channels, e.Frames, e.Bytes,
		e.Duration.Nanoseconds(), e.Transcript, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres catalog: record %s: %w", e.ID, err)
	}
	return nil
}

// Get loads the entry with the given ID. The error wraps pgx.ErrNoRows when
// no such recording exists.
func (c *Catalog) Get(ctx context.Context, id uuid.UUID) (recording.Entry, error) {
	const q = `
SELECT id, object_key, backend, sample_rate, channels, frames, bytes, duration_ns, transcript, created_at
FROM recordings WHERE id = $1`
	var (
		e  recording.Entry
		ns int64
	)
	err := c.pool.QueryRow(ctx, q, id).Scan(
		&e.ID, &e.Key, &e.Backend, &e.SampleRate, &e.Channels, &e.Frames, &e.Bytes,
		&ns, &e.Transcript, &e.CreatedAt,
	)
	if err != nil {
		return recording.Entry{}, fmt.Errorf("postgres catalog: get %s: %w", id, err)
	}
	e.Duration = time.Duration(ns)
	return e, nil
}

// Ping verifies the database is reachable. It backs the readiness probe.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the connection pool.
func (c *Catalog) Close() {
	c.pool.Close()
}
