// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscrawl/aegis/internal/jobstore"
	"github.com/aegiscrawl/aegis/internal/pipeline"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists jobs and attempts in Postgres. Expected schema:
//
//	CREATE TABLE jobs (
//		id TEXT PRIMARY KEY,
//		url TEXT NOT NULL,
//		scraper_type TEXT NOT NULL,
//		priority INT NOT NULL DEFAULT 0,
//		trace_id TEXT,
//		metadata JSONB,
//		options JSONB,
//		status TEXT NOT NULL,
//		error TEXT NOT NULL DEFAULT '',
//		attempts INT NOT NULL DEFAULT 0,
//		blob_uri TEXT NOT NULL DEFAULT '',
//		enqueued_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE job_attempts (
//		job_id TEXT NOT NULL REFERENCES jobs(id),
//		attempt INT NOT NULL,
//		success BOOLEAN NOT NULL,
//		category TEXT NOT NULL DEFAULT '',
//		failure_point TEXT NOT NULL DEFAULT '',
//		code TEXT NOT NULL DEFAULT '',
//		message TEXT NOT NULL DEFAULT '',
//		engine TEXT NOT NULL DEFAULT '',
//		proxy_id TEXT NOT NULL DEFAULT '',
//		fingerprint_id TEXT NOT NULL DEFAULT '',
//		status_code INT NOT NULL DEFAULT 0,
//		duration_ms BIGINT NOT NULL DEFAULT 0,
//		created_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool dbPool
	now  func() time.Time
}

// New connects a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row in StatusQueued.
func (s *Store) CreateJob(ctx context.Context, job pipeline.Job) error {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	now := s.now().UTC()
	query := `
INSERT INTO jobs (id, url, scraper_type, priority, trace_id, metadata, options, status, enqueued_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.URL, job.ScraperType, job.Priority, job.TraceID,
		metadata, options, string(jobstore.StatusQueued), now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateStatus transitions a job row.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status jobstore.Status, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status=$2, error=$3, updated_at=$4 WHERE id=$1`,
		jobID, string(status), errText, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// SetBlobURI records where the fetched content landed.
func (s *Store) SetBlobURI(ctx context.Context, jobID, uri string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET blob_uri=$2, updated_at=$3 WHERE id=$1`,
		jobID, uri, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update job blob uri: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// RecordAttempt appends diagnostics and bumps the job's attempt counter.
func (s *Store) RecordAttempt(ctx context.Context, rec jobstore.AttemptRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	query := `
INSERT INTO job_attempts (job_id, attempt, success, category, failure_point, code, message, engine, proxy_id, fingerprint_id, status_code, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.pool.Exec(ctx, query,
		rec.JobID, rec.Attempt, rec.Success, rec.Category, rec.FailurePoint,
		rec.Code, rec.Message, rec.Engine, rec.ProxyID, rec.FingerprintID,
		rec.StatusCode, rec.DurationMs, createdAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE jobs SET attempts = attempts + 1, updated_at=$2 WHERE id=$1`,
		rec.JobID, s.now().UTC()); err != nil {
		return fmt.Errorf("bump attempt counter: %w", err)
	}
	return nil
}

// GetJob loads one job row.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobstore.JobRecord, error) {
	query := `
SELECT id, url, scraper_type, priority, trace_id, metadata, options, status, error, attempts, blob_uri, enqueued_at, updated_at
FROM jobs WHERE id=$1`
	var (
		rec      jobstore.JobRecord
		status   string
		metadata []byte
		options  []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.Job.ID, &rec.Job.URL, &rec.Job.ScraperType, &rec.Job.Priority,
		&rec.Job.TraceID, &metadata, &options, &status, &rec.Error,
		&rec.Attempts, &rec.BlobURI, &rec.EnqueuedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	rec.Status = jobstore.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &rec.Job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return &rec, nil
}

// ListAttempts returns a job's attempts in execution order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]jobstore.AttemptRecord, error) {
	query := `
SELECT job_id, attempt, success, category, failure_point, code, message, engine, proxy_id, fingerprint_id, status_code, duration_ms, created_at
FROM job_attempts WHERE job_id=$1 ORDER BY attempt ASC, created_at ASC`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []jobstore.AttemptRecord
	for rows.Next() {
		var rec jobstore.AttemptRecord
		if err := rows.Scan(
			&rec.JobID, &rec.Attempt, &rec.Success, &rec.Category,
			&rec.FailurePoint, &rec.Code, &rec.Message, &rec.Engine,
			&rec.ProxyID, &rec.FingerprintID, &rec.StatusCode,
			&rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}
