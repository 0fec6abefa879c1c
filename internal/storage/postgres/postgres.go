// Package postgres provides Postgres-backed job and entity stores.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultJobsTable     = "scrape_jobs"
	defaultEntitiesTable = "catalog_records"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	EntitiesTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// rowQuerier is satisfied by both the pool and a pgx.Tx.
type rowQuerier interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Connect opens a pool for cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// EnsureSchema creates the job and entity tables when missing.
func EnsureSchema(ctx context.Context, db querier, cfg Config) error {
	jobs, err := tableName(cfg.JobsTable, defaultJobsTable)
	if err != nil {
		return err
	}
	entities, err := tableName(cfg.EntitiesTable, defaultEntitiesTable)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	target_url TEXT NOT NULL,
	target_slug TEXT NOT NULL DEFAULT '',
	parent_slug TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	items_processed INTEGER NOT NULL DEFAULT 0,
	total_items INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	error_log TEXT NOT NULL DEFAULT '',
	failure_class TEXT NOT NULL DEFAULT ''
)`, jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_created_idx ON %s (status, created_at DESC)`, jobs, jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	parent_key TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	last_scraped_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, natural_key)
)`, entities),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_kind_scraped_idx ON %s (kind, last_scraped_at)`, entities, entities),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_kind_parent_idx ON %s (kind, parent_key, last_scraped_at DESC)`, entities, entities),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
