// Package scheduler owns the job lifecycle: it persists submitted jobs,
// admits them from per-kind queues under the admission gate, runs them on
// workers, persists results, and retries or fails them by failure class.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-refresher/internal/admission"
	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/extract"
	"github.com/JakeFAU/catalog-refresher/internal/metrics"
	"github.com/JakeFAU/catalog-refresher/internal/queue/memory"
	"github.com/JakeFAU/catalog-refresher/internal/staleness"
	"github.com/JakeFAU/catalog-refresher/internal/worker"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultPollInterval   = 200 * time.Millisecond
	defaultRecoverLimit   = 10000
	cancelledMessage      = "cancelled"
	interruptedMessage    = "interrupted"
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job catalog.Job, ectx catalog.ExtractContext) (worker.Result, error)
}

// Config tunes retries and the dispatch loop. A zero JobTimeout is derived
// from RequestTimeout and Delay.
type Config struct {
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	RateLimitMultiplier int
	JobTimeout          time.Duration
	RequestTimeout      time.Duration
	Delay               time.Duration
	PollInterval        time.Duration
	RecoverLimit        int
}

// JobTimeout returns the wall-clock bound of one attempt: two page loads'
// worth of RequestTimeout plus the inter-request Delay, unless set explicitly.
func JobTimeout(cfg Config) time.Duration {
	if cfg.JobTimeout > 0 {
		return cfg.JobTimeout
	}
	request := cfg.RequestTimeout
	if request <= 0 {
		request = defaultRequestTimeout
	}
	delay := cfg.Delay
	if delay < 0 {
		delay = 0
	}
	return 2*request + delay
}

// Deps are the collaborators a Scheduler drives. Publisher and Logger are
// optional.
type Deps struct {
	Jobs      catalog.JobStore
	Entities  catalog.EntityStore
	Queue     *memory.Queue
	Gate      *admission.Gate
	Runner    Runner
	Oracle    *staleness.Oracle
	Publisher catalog.Publisher
	Clock     catalog.Clock
	IDs       catalog.IDGenerator
	Logger    *zap.Logger
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg       Config
	jobs      catalog.JobStore
	entities  catalog.EntityStore
	queue     *memory.Queue
	gate      *admission.Gate
	runner    Runner
	oracle    *staleness.Oracle
	publisher catalog.Publisher
	clock     catalog.Clock
	ids       catalog.IDGenerator
	logger    *zap.Logger

	workCtx   context.Context
	abortWork context.CancelFunc
	afterFunc func(time.Duration, func()) *time.Timer

	// mu serializes job transitions so a cancel never interleaves with
	// admission or completion of the same job.
	mu       sync.Mutex
	running  map[string]*attempt
	backoffs map[string]*time.Timer
	stopping atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	released chan struct{}
	wg       sync.WaitGroup
}

type attempt struct {
	cancel    context.CancelFunc
	cancelled bool
	aborted   bool
}

// New validates deps and builds a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Entities == nil:
		return nil, errors.New("entity store is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Gate == nil:
		return nil, errors.New("admission gate is required")
	case deps.Runner == nil:
		return nil, errors.New("runner is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("max retries must be >= 0")
	}
	cfg.JobTimeout = JobTimeout(cfg)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RecoverLimit <= 0 {
		cfg.RecoverLimit = defaultRecoverLimit
	}
	oracle := deps.Oracle
	if oracle == nil {
		oracle = staleness.NewOracle(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workCtx, abort := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		jobs:      deps.Jobs,
		entities:  deps.Entities,
		queue:     deps.Queue,
		gate:      deps.Gate,
		runner:    deps.Runner,
		oracle:    oracle,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger.Named("scheduler"),
		workCtx:   workCtx,
		abortWork: abort,
		afterFunc: time.AfterFunc,
		running:   make(map[string]*attempt),
		backoffs:  make(map[string]*time.Timer),
		stop:      make(chan struct{}),
		released:  make(chan struct{}, 1),
	}, nil
}

// EnqueueJob persists a pending job and queues it. Malformed input does not
// error: the job is recorded and failed as Fatal so callers observe the
// outcome on the job itself.
func (s *Scheduler) EnqueueJob(ctx context.Context, spec catalog.JobSpec) (string, error) {
	if s.stopping.Load() {
		return "", catalog.ErrQueueClosed
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := catalog.NewJob(id, spec, s.cfg.MaxRetries, now)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(job.Kind), string(job.Status))

	if reason := validateSpec(spec); reason != nil {
		s.mu.Lock()
		failErr := job.Fail(catalog.ClassFatal, reason.Error(), now)
		if failErr == nil {
			failErr = s.jobs.UpdateJob(ctx, job)
		}
		s.mu.Unlock()
		if failErr != nil {
			return id, fmt.Errorf("record rejected job: %w", failErr)
		}
		s.logger.Error("job rejected",
			zap.String("job_id", id),
			zap.String("kind", string(spec.Kind)),
			zap.String("url", spec.TargetURL),
			zap.Error(reason),
		)
		s.terminal(job)
		return id, nil
	}

	if err := s.queue.Enqueue(ctx, memory.Item{JobID: id, Kind: job.Kind, EnqueuedAt: now}); err != nil {
		return id, fmt.Errorf("enqueue job: %w", err)
	}
	s.updateQueueDepth(job.Kind)
	s.logger.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("kind", string(job.Kind)),
		zap.String("url", job.TargetURL),
	)
	return id, nil
}

// RefreshIfStale enqueues a job only when the data it would refresh is
// stale or absent. It returns the new job id and whether one was enqueued.
func (s *Scheduler) RefreshIfStale(ctx context.Context, spec catalog.JobSpec) (string, bool, error) {
	kind, err := catalog.ParseKind(string(spec.Kind))
	if err != nil {
		return "", false, err
	}
	spec.Kind = kind
	subj := SubjectOf(spec)
	last, err := s.lastScraped(ctx, subj)
	if err != nil {
		return "", false, fmt.Errorf("check staleness: %w", err)
	}
	stale := s.oracle.IsStale(kind, last, s.clock.Now())
	metrics.ObserveStaleCheck(string(kind), stale)
	if !stale {
		s.logger.Debug("fresh, skipping refresh", zap.String("kind", string(kind)), zap.String("key", subj.Key))
		return "", false, nil
	}
	id, err := s.EnqueueJob(ctx, spec)
	if err != nil {
		return id, false, err
	}
	return id, true, nil
}

// IsStale reports the oracle verdict for a spec's subject.
func (s *Scheduler) IsStale(ctx context.Context, spec catalog.JobSpec) (bool, *time.Time, error) {
	last, err := s.lastScraped(ctx, SubjectOf(spec))
	if err != nil {
		return false, nil, fmt.Errorf("check staleness: %w", err)
	}
	return s.oracle.IsStale(spec.Kind, last, s.clock.Now()), last, nil
}

// GetJob returns the stored job.
func (s *Scheduler) GetJob(ctx context.Context, id string) (catalog.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return catalog.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListRecentJobs returns up to limit jobs, newest first.
func (s *Scheduler) ListRecentJobs(ctx context.Context, limit int) ([]catalog.Job, error) {
	jobs, err := s.jobs.ListRecentJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Scheduler) ListJobs(ctx context.Context, filter catalog.JobFilter) ([]catalog.Job, error) {
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob cancels a job. A pending job is removed from its queue (or its
// retry timer) and failed as cancelled. A running job is signalled and fails
// as cancelled once its current navigation returns. Terminal jobs are
// returned unchanged.
func (s *Scheduler) CancelJob(ctx context.Context, id string) (catalog.Job, error) {
	s.mu.Lock()
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return catalog.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.Status.Terminal() {
		s.mu.Unlock()
		return job, nil
	}
	if a, ok := s.running[id]; ok {
		a.cancelled = true
		a.cancel()
		s.mu.Unlock()
		s.logger.Info("cancel requested for running job", zap.String("job_id", id))
		return job, nil
	}
	if t, ok := s.backoffs[id]; ok {
		t.Stop()
		delete(s.backoffs, id)
	}
	s.queue.Remove(id)
	if err := job.Fail(catalog.ClassCancelled, cancelledMessage, s.clock.Now()); err != nil {
		s.mu.Unlock()
		return catalog.Job{}, err
	}
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.mu.Unlock()
		return catalog.Job{}, fmt.Errorf("update job: %w", err)
	}
	s.mu.Unlock()

	s.updateQueueDepth(job.Kind)
	s.logger.Info("job cancelled", zap.String("job_id", id), zap.String("kind", string(job.Kind)))
	s.terminal(job)
	return job, nil
}

// RetryJob submits a fresh job for the target of a failed one. The failed
// record is left untouched.
func (s *Scheduler) RetryJob(ctx context.Context, id string) (string, error) {
	prev, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get job: %w", err)
	}
	if prev.Status != catalog.JobStatusFailed {
		return "", fmt.Errorf("retry job %s in status %s: %w", id, prev.Status, catalog.ErrInvalidTransition)
	}
	newID, err := s.EnqueueJob(ctx, catalog.JobSpec{
		Kind:       prev.Kind,
		TargetURL:  prev.TargetURL,
		TargetSlug: prev.TargetSlug,
		ParentSlug: prev.ParentSlug,
	})
	if err != nil {
		return newID, err
	}
	s.logger.Info("failed job resubmitted", zap.String("job_id", newID), zap.String("previous_job_id", id))
	return newID, nil
}

// PruneJobs removes terminal jobs completed before cutoff.
func (s *Scheduler) PruneJobs(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.jobs.PruneJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return n, nil
}

// Ready reports whether the scheduler still accepts work.
func (s *Scheduler) Ready() bool {
	return !s.stopping.Load()
}

func validateSpec(spec catalog.JobSpec) error {
	if !spec.Kind.Valid() {
		return fmt.Errorf("%w: %q", catalog.ErrUnsupportedKind, spec.Kind)
	}
	if _, err := extract.CanonicalURL(spec.TargetURL); err != nil {
		return fmt.Errorf("malformed target url: %w", err)
	}
	return nil
}

// terminal publishes the outcome of a finished job. Publish failures are
// logged and never change the job.
func (s *Scheduler) terminal(job catalog.Job) {
	metrics.ObserveJob(string(job.Kind), string(job.Status))
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.Background(), catalog.EventFromJob(job)); err != nil {
		s.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) updateQueueDepth(kind catalog.Kind) {
	metrics.SetQueueDepth(string(kind), s.queue.Len(kind))
}
