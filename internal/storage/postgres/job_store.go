package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

const (
	defaultListLimit = 10
	jobColumns       = `id, kind, status, target_url, target_slug, parent_slug, created_at, started_at,
	completed_at, next_attempt_at, items_processed, total_items, retry_count, max_retries, error_log, failure_class`
)

// JobStore persists scrape jobs.
type JobStore struct {
	db    querier
	table string
}

// NewJobStoreWithPool constructs a store over an existing pool.
func NewJobStoreWithPool(db querier, table string) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultJobsTable)
	if err != nil {
		return nil, err
	}
	return &JobStore{db: db, table: name}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job catalog.Job) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`, s.table, jobColumns)
	if _, err := s.db.Exec(ctx, query, jobArgs(job)...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable columns of a job.
func (s *JobStore) UpdateJob(ctx context.Context, job catalog.Job) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = $2,
	started_at = $3,
	completed_at = $4,
	next_attempt_at = $5,
	items_processed = $6,
	total_items = $7,
	retry_count = $8,
	error_log = $9,
	failure_class = $10
WHERE id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		job.NextAttemptAt,
		job.ItemsProcessed,
		job.TotalItems,
		job.RetryCount,
		job.ErrorLog,
		string(job.FailureClass),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, catalog.ErrNotFound)
	}
	return nil
}

// GetJob fetches one job.
func (s *JobStore) GetJob(ctx context.Context, id string) (catalog.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Job{}, fmt.Errorf("job %s: %w", id, catalog.ErrNotFound)
		}
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
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM %s`, jobColumns, s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

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
	query := fmt.Sprintf(`DELETE FROM %s WHERE status IN ($1, $2) AND completed_at < $3`, s.table)
	tag, err := s.db.Exec(ctx, query,
		string(catalog.JobStatusCompleted),
		string(catalog.JobStatusFailed),
		completedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func jobArgs(job catalog.Job) []any {
	return []any{
		job.ID,
		string(job.Kind),
		string(job.Status),
		job.TargetURL,
		job.TargetSlug,
		job.ParentSlug,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.NextAttemptAt,
		job.ItemsProcessed,
		job.TotalItems,
		job.RetryCount,
		job.MaxRetries,
		job.ErrorLog,
		string(job.FailureClass),
	}
}

func scanJob(row pgx.Row) (catalog.Job, error) {
	var job catalog.Job
	var kind, status, class string
	err := row.Scan(
		&job.ID,
		&kind,
		&status,
		&job.TargetURL,
		&job.TargetSlug,
		&job.ParentSlug,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.NextAttemptAt,
		&job.ItemsProcessed,
		&job.TotalItems,
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
	return job, nil
}
