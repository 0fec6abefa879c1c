package catalog

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Page is a loaded document handed to an extraction strategy.
type Page struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	Header       http.Header
	HTML         []byte
	FetchedAt    time.Time
}

// URL returns the address the page was finally served from.
func (p Page) URL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.RequestedURL
}

// ExtractContext carries the identifiers used to key and stamp records.
type ExtractContext struct {
	NavigationSlug string
	CategorySlug   string
	// ProductSourceID is the product a detail or reviews page describes.
	// Detail records are keyed on it; reviews reference it.
	ProductSourceID string
}

// Strategy turns a loaded page of one kind into normalized entities.
// Returning zero entities with a nil error means the page has no items.
type Strategy interface {
	Kind() Kind
	Extract(page Page, ectx ExtractContext) ([]Entity, error)
}

// Session is one browser-automation session able to load pages.
type Session interface {
	Load(ctx context.Context, url string) (Page, error)
	Close() error
}

// SessionFactory creates sessions for the bounded pool.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Status JobStatus
	Kind   Kind
	Limit  int
}

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	PruneJobs(ctx context.Context, completedBefore time.Time) (int, error)
}

// EntityStore persists scraped entities keyed by kind and natural key.
type EntityStore interface {
	// UpsertByNaturalKey replaces the record unless the stored one was
	// scraped later, in which case the stored record is kept and returned.
	UpsertByNaturalKey(ctx context.Context, kind Kind, key string, fields Entity, scrapedAt time.Time) (StoredRecord, error)
	// UpsertMany applies UpsertByNaturalKey to every record, keyed by its
	// NaturalKey, or to none of them.
	UpsertMany(ctx context.Context, records []Entity, scrapedAt time.Time) error
	// FindStaleness returns nil when no record exists.
	FindStaleness(ctx context.Context, kind Kind, key string) (*time.Time, error)
	// FindListingStaleness returns the newest last_scraped_at among kind
	// records whose ParentKey is parentKey, or nil when there are none.
	FindListingStaleness(ctx context.Context, kind Kind, parentKey string) (*time.Time, error)
	Get(ctx context.Context, kind Kind, key string) (StoredRecord, error)
	// ListStale returns records last scraped before cutoff, oldest first.
	ListStale(ctx context.Context, kind Kind, cutoff time.Time, limit int) ([]StoredRecord, error)
	CountByKind(ctx context.Context, kind Kind) (int, error)
}

// BlobStore archives page snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID          string       `json:"job_id"`
	Kind           Kind         `json:"kind"`
	Status         JobStatus    `json:"status"`
	TargetURL      string       `json:"target_url"`
	ItemsProcessed int          `json:"items_processed"`
	RetryCount     int          `json:"retry_count"`
	ErrorLog       string       `json:"error_log,omitempty"`
	FailureClass   FailureClass `json:"failure_class,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// EventFromJob projects a job onto its outcome event.
func EventFromJob(job Job) JobEvent {
	return JobEvent{
		JobID:          job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		TargetURL:      job.TargetURL,
		ItemsProcessed: job.ItemsProcessed,
		RetryCount:     job.RetryCount,
		ErrorLog:       job.ErrorLog,
		FailureClass:   job.FailureClass,
		CompletedAt:    job.CompletedAt,
	}
}

// Publisher emits job outcome events.
type Publisher interface {
	Publish(ctx context.Context, event JobEvent) error
}

// CheckThrottle suppresses repeated freshness checks of the same key.
type CheckThrottle interface {
	// Allow reports whether key may be checked now, and if so marks it
	// for the throttle horizon.
	Allow(ctx context.Context, key string) (bool, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
