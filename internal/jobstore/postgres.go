package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists job records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS heavyd_jobs (
			id TEXT PRIMARY KEY,
			capability TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_heavyd_jobs_capability_created ON heavyd_jobs (capability, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	var result any
	if len(r.Result) > 0 {
		result = string(r.Result)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO heavyd_jobs (id, capability, provider, status, error, result, created_at, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at`,
		r.ID,
		r.Capability,
		r.Provider,
		string(r.Status),
		r.Error,
		result,
		r.CreatedAt,
		nullTime(r.StartedAt),
		nullTime(r.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		r                  Record
		status             string
		result             []byte
		startedAt, endedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, capability, provider, status, error, result, created_at, started_at, ended_at
		 FROM heavyd_jobs WHERE id=$1`,
		id,
	).Scan(&r.ID, &r.Capability, &r.Provider, &status, &r.Error, &result, &r.CreatedAt, &startedAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get job: %w", err)
	}
	r.Status = Status(status)
	r.Result = result
	if startedAt != nil {
		r.StartedAt = *startedAt
	}
	if endedAt != nil {
		r.EndedAt = *endedAt
	}
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
