// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResultStoreConfig controls the Postgres connection pool used for archive rows.
type ResultStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ResultStore archives finished jobs into Postgres.
type ResultStore struct {
	pool  execCloser
	table string
}

// NewResultStore creates a Postgres-backed ResultStore using the provided config.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "job_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &ResultStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool execCloser, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ArchiveJob inserts one finished job row. The items payload and blob URIs
// land in jsonb columns.
func (s *ResultStore) ArchiveJob(ctx context.Context, job fleet.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Result == nil {
		return fmt.Errorf("job %s has no result", job.ID)
	}
	itemsJSON, err := json.Marshal(job.Result.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	blobsJSON, err := json.Marshal(job.Result.BlobURIs)
	if err != nil {
		return fmt.Errorf("marshal blob uris: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	subject,
	status,
	attempt_count,
	page_count,
	items,
	blob_uris,
	created_at,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (job_id) DO NOTHING`, s.table)

	args := []any{
		job.ID,
		job.Target.Subject,
		string(job.Status),
		job.AttemptCount,
		job.Result.PageCount,
		itemsJSON,
		blobsJSON,
		job.CreatedAt,
		job.Result.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}
	return nil
}
