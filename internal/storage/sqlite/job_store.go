// Package sqlite provides single-file Job and Entity Stores on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

const (
	defaultListLimit = 10
	timeLayout       = time.RFC3339Nano
	jobColumns       = `id, kind, status, target_url, target_slug, parent_slug, created_at, started_at,
	completed_at, next_attempt_at, items_processed, total_items, retry_count, max_retries, error_log, failure_class`
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	target_url TEXT NOT NULL,
	target_slug TEXT NOT NULL DEFAULT '',
	parent_slug TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	next_attempt_at TEXT,
	items_processed INTEGER NOT NULL DEFAULT 0,
	total_items INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	error_log TEXT NOT NULL DEFAULT '',
	failure_class TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS scrape_jobs_status_created_idx ON scrape_jobs (status, created_at);
CREATE TABLE IF NOT EXISTS catalog_records (
	kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	parent_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	last_scraped_at TEXT NOT NULL,
	PRIMARY KEY (kind, natural_key)
);
CREATE INDEX IF NOT EXISTS catalog_records_kind_scraped_idx ON catalog_records (kind, last_scraped_at);
CREATE INDEX IF NOT EXISTS catalog_records_kind_parent_idx ON catalog_records (kind, parent_key);
`

// JobStore persists jobs in a sqlite database file.
type JobStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*JobStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection keeps them queued in-process.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &JobStore{db: db}, nil
}

// EntityStore returns an Entity Store sharing the job store's database.
func (s *JobStore) EntityStore() *EntityStore {
	return &EntityStore{db: s.db}
}

// Close closes the database.
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a new job.
func (s *JobStore) CreateJob(ctx context.Context, job catalog.Job) error {
	query := `INSERT INTO scrape_jobs (` + jobColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Kind),
		string(job.Status),
		job.TargetURL,
		job.TargetSlug,
		job.ParentSlug,
		formatTime(job.CreatedAt),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullTime(job.NextAttemptAt),
		job.ItemsProcessed,
		nullInt(job.TotalItems),
		job.RetryCount,
		job.MaxRetries,
		job.ErrorLog,
		string(job.FailureClass),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable columns of a job.
func (s *JobStore) UpdateJob(ctx context.Context, job catalog.Job) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_jobs SET
	status = ?, started_at = ?, completed_at = ?, next_attempt_at = ?, items_processed = ?,
	total_items = ?, retry_count = ?, error_log = ?, failure_class = ?
WHERE id = ?`,
		string(job.Status),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullTime(job.NextAttemptAt),
		job.ItemsProcessed,
		nullInt(job.TotalItems),
		job.RetryCount,
		job.ErrorLog,
		string(job.FailureClass),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, catalog.ErrNotFound)
	}
	return nil
}

// GetJob fetches one job.
func (s *JobStore) GetJob(ctx context.Context, id string) (catalog.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Job{}, fmt.Errorf("job %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListRecentJobs returns up to limit jobs, newest first.
func (s *JobStore) ListRecentJobs(ctx context.Context, limit int) ([]catalog.Job, error) {
	return s.ListJobs(ctx, catalog.JobFilter{Limit: limit})
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter catalog.JobFilter) ([]catalog.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []catalog.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// PruneJobs deletes terminal jobs completed before the cutoff.
func (s *JobStore) PruneJobs(ctx context.Context, completedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scrape_jobs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(catalog.JobStatusCompleted),
		string(catalog.JobStatusFailed),
		formatTime(completedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (catalog.Job, error) {
	var (
		job                             catalog.Job
		kind, status, class, created    string
		started, completed, nextAttempt sql.NullString
		totalItems                      sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&status,
		&job.TargetURL,
		&job.TargetSlug,
		&job.ParentSlug,
		&created,
		&started,
		&completed,
		&nextAttempt,
		&job.ItemsProcessed,
		&totalItems,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ErrorLog,
		&class,
	)
	if err != nil {
		return catalog.Job{}, err
	}
	job.Kind = catalog.Kind(kind)
	job.Status = catalog.JobStatus(status)
	job.FailureClass = catalog.FailureClass(class)
	if job.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return catalog.Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.StartedAt, err = parseNullTime(started); err != nil {
		return catalog.Job{}, err
	}
	if job.CompletedAt, err = parseNullTime(completed); err != nil {
		return catalog.Job{}, err
	}
	if job.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return catalog.Job{}, err
	}
	if totalItems.Valid {
		n := int(totalItems.Int64)
		job.TotalItems = &n
	}
	return job, nil
}

// formatTime uses a fixed-width UTC layout so lexical order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}
