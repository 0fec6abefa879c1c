package catalog

import (
	"fmt"
	"time"
)

// JobStatus captures the lifecycle state of a job.
type JobStatus string

// Job statuses.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no automatic transition leaves the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of scrape work and its audit trail.
type Job struct {
	ID             string       `json:"id"`
	Kind           Kind         `json:"kind"`
	Status         JobStatus    `json:"status"`
	TargetURL      string       `json:"target_url"`
	TargetSlug     string       `json:"target_slug,omitempty"`
	ParentSlug     string       `json:"parent_slug,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
	ItemsProcessed int          `json:"items_processed"`
	TotalItems     *int         `json:"total_items,omitempty"`
	RetryCount     int          `json:"retry_count"`
	MaxRetries     int          `json:"max_retries"`
	ErrorLog       string       `json:"error_log,omitempty"`
	FailureClass   FailureClass `json:"failure_class,omitempty"`
}

// JobSpec describes a job submission.
type JobSpec struct {
	Kind       Kind
	TargetURL  string
	TargetSlug string
	ParentSlug string
}

// NewJob returns a pending job.
func NewJob(id string, spec JobSpec, maxRetries int, now time.Time) Job {
	return Job{
		ID:         id,
		Kind:       spec.Kind,
		Status:     JobStatusPending,
		TargetURL:  spec.TargetURL,
		TargetSlug: spec.TargetSlug,
		ParentSlug: spec.ParentSlug,
		CreatedAt:  now,
		MaxRetries: maxRetries,
	}
}

// CanRetry reports whether another in-place attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Start moves a pending job to running.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusPending {
		return j.transitionErr(JobStatusRunning)
	}
	j.Status = JobStatusRunning
	j.StartedAt = pointerTime(now)
	j.CompletedAt = nil
	j.NextAttemptAt = nil
	return nil
}

// Complete records a successful run.
func (j *Job) Complete(items int, now time.Time) error {
	if j.Status != JobStatusRunning {
		return j.transitionErr(JobStatusCompleted)
	}
	j.Status = JobStatusCompleted
	j.ItemsProcessed = items
	j.TotalItems = &items
	j.CompletedAt = pointerTime(now)
	j.FailureClass = ClassNone
	return nil
}

// Retry returns a running job to pending for another attempt after next,
// consuming one retry.
func (j *Job) Retry(class FailureClass, msg string, next time.Time) error {
	if j.Status != JobStatusRunning || !j.CanRetry() {
		return j.transitionErr(JobStatusPending)
	}
	j.Status = JobStatusPending
	j.RetryCount++
	j.ErrorLog = msg
	j.FailureClass = class
	j.NextAttemptAt = pointerTime(next)
	return nil
}

// Requeue returns a running job to pending without consuming a retry. Used
// when the process stops underneath a job.
func (j *Job) Requeue(msg string) error {
	if j.Status != JobStatusRunning {
		return j.transitionErr(JobStatusPending)
	}
	j.Status = JobStatusPending
	j.ErrorLog = msg
	j.NextAttemptAt = nil
	return nil
}

// Fail terminates a pending or running job.
func (j *Job) Fail(class FailureClass, msg string, now time.Time) error {
	if j.Status.Terminal() {
		return j.transitionErr(JobStatusFailed)
	}
	j.Status = JobStatusFailed
	j.ErrorLog = msg
	j.FailureClass = class
	j.CompletedAt = pointerTime(now)
	j.NextAttemptAt = nil
	return nil
}

// Validate checks the status/timestamp invariants.
func (j *Job) Validate() error {
	switch j.Status {
	case JobStatusPending:
	case JobStatusRunning:
		if j.StartedAt == nil || j.CompletedAt != nil {
			return fmt.Errorf("job %s: running requires started_at and no completed_at", j.ID)
		}
	case JobStatusCompleted, JobStatusFailed:
		if j.CompletedAt == nil {
			return fmt.Errorf("job %s: %s requires completed_at", j.ID, j.Status)
		}
	default:
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("job %s: retry_count %d exceeds max_retries %d", j.ID, j.RetryCount, j.MaxRetries)
	}
	return nil
}

func (j *Job) transitionErr(to JobStatus) error {
	return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
