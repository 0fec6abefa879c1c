package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/metrics"
	"github.com/JakeFAU/catalog-refresher/internal/queue/memory"
	"github.com/JakeFAU/catalog-refresher/internal/worker"
)

// Run dispatches queued jobs until ctx is done or Shutdown is called.
// Jobs already running keep going; Shutdown waits for them.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
	for {
		s.dispatch()
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.queue.Ready():
		case <-s.released:
		case <-ticker.C:
		}
	}
}

// dispatch admits queue heads while the gate has capacity.
func (s *Scheduler) dispatch() {
	for !s.stopping.Load() {
		item, ok := s.queue.TryDequeue(func(memory.Item) bool {
			return s.gate.TryAdmit()
		})
		if !ok {
			return
		}
		s.updateQueueDepth(item.Kind)
		s.start(item)
	}
}

// start moves an admitted job to running and launches its attempt. The
// gate slot claimed by TryAdmit is released here on every path that does
// not launch.
func (s *Scheduler) start(item memory.Item) {
	ctx := context.Background()
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		s.gate.Release()
		return
	}
	job, err := s.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		s.mu.Unlock()
		s.gate.Release()
		s.logger.Error("load admitted job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	if job.Status != catalog.JobStatusPending {
		s.mu.Unlock()
		s.gate.Release()
		return
	}
	if err := job.Start(s.clock.Now()); err != nil {
		s.mu.Unlock()
		s.gate.Release()
		s.logger.Error("start job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.scheduleLocked(job.ID, job.Kind, Backoff(s.cfg, catalog.ClassTransient, 0))
		s.mu.Unlock()
		s.gate.Release()
		s.logger.Error("persist running job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	runCtx, cancel := context.WithTimeout(s.workCtx, s.cfg.JobTimeout)
	a := &attempt{cancel: cancel}
	s.running[job.ID] = a
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.ObserveJob(string(job.Kind), string(job.Status))
	metrics.IncActiveWorkers()
	s.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("url", job.TargetURL),
		zap.Int("attempt", job.RetryCount+1),
	)
	go s.execute(runCtx, a, job)
}

func (s *Scheduler) execute(ctx context.Context, a *attempt, job catalog.Job) {
	defer s.wg.Done()
	defer metrics.DecActiveWorkers()

	started := s.clock.Now()
	res, err := s.runAttempt(ctx, job)
	if err == nil {
		err = s.persistRecords(context.WithoutCancel(ctx), job, res)
	}
	outcome := "success"
	if err != nil {
		outcome = string(catalog.ClassOf(err))
	}
	metrics.ObserveAttempt(string(job.Kind), outcome, s.clock.Now().Sub(started))
	s.finish(a, job, res, err)
}

func (s *Scheduler) runAttempt(ctx context.Context, job catalog.Job) (res worker.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = catalog.NewScrapeError(catalog.ClassFatal, "run", job.TargetURL, fmt.Errorf("panic: %v", rec))
		}
	}()
	return s.runner.Run(ctx, job, s.extractContext(ctx, job))
}

// persistRecords upserts the records of a successful attempt as one batch,
// so a failed write leaves every stored record as it was.
func (s *Scheduler) persistRecords(ctx context.Context, job catalog.Job, res worker.Result) error {
	scrapedAt := res.FetchedAt
	if scrapedAt.IsZero() {
		scrapedAt = s.clock.Now()
	}
	records := make([]catalog.Entity, 0, len(res.Records))
	for _, rec := range res.Records {
		if rec == nil || rec.NaturalKey() == "" {
			continue
		}
		records = append(records, rec)
	}
	if err := s.entities.UpsertMany(ctx, records, scrapedAt); err != nil {
		return catalog.NewScrapeError(catalog.ClassTransient, "persist", job.TargetURL, err)
	}
	metrics.ObserveUpserts(string(job.Kind), len(records))
	return nil
}

// finish applies the attempt outcome to the job, persists it and frees the
// gate slot.
func (s *Scheduler) finish(a *attempt, job catalog.Job, res worker.Result, runErr error) {
	now := s.clock.Now()
	var (
		retryDelay time.Duration
		retrying   bool
		class      catalog.FailureClass
		transErr   error
	)

	s.mu.Lock()
	switch {
	case runErr == nil:
		transErr = job.Complete(res.ItemCount, now)
	case a.cancelled:
		class = catalog.ClassCancelled
		transErr = job.Fail(class, cancelledMessage, now)
	case a.aborted:
		transErr = job.Requeue(interruptedMessage)
	default:
		class = catalog.ClassOf(runErr)
		if class.Retryable() && job.CanRetry() {
			retryDelay = Backoff(s.cfg, class, job.RetryCount)
			retrying = true
			transErr = job.Retry(class, runErr.Error(), now.Add(retryDelay))
		} else {
			transErr = job.Fail(class, runErr.Error(), now)
		}
	}
	if transErr != nil {
		s.logger.Error("job transition failed", zap.String("job_id", job.ID), zap.Error(transErr))
	}
	if err := s.jobs.UpdateJob(context.Background(), job); err != nil {
		s.logger.Error("persist job outcome failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if retrying {
		s.scheduleLocked(job.ID, job.Kind, retryDelay)
	}
	delete(s.running, job.ID)
	s.mu.Unlock()

	a.cancel()
	s.gate.Release()
	select {
	case s.released <- struct{}{}:
	default:
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("url", job.TargetURL),
		zap.Int("attempt", job.RetryCount+1),
	}
	switch {
	case job.Status == catalog.JobStatusCompleted:
		s.logger.Info("job completed", append(fields, zap.Int("items", job.ItemsProcessed))...)
		s.terminal(job)
	case retrying:
		metrics.ObserveRetry(string(job.Kind), string(class))
		metrics.ObserveJob(string(job.Kind), string(job.Status))
		s.logger.Warn("job retry scheduled",
			append(fields, zap.String("class", string(class)), zap.Duration("backoff", retryDelay), zap.Error(runErr))...)
	case job.Status == catalog.JobStatusPending:
		metrics.ObserveJob(string(job.Kind), string(job.Status))
		s.logger.Info("job interrupted, left pending", fields...)
	case class == catalog.ClassCancelled:
		s.logger.Info("job cancelled", fields...)
		s.terminal(job)
	default:
		s.logger.Error("job failed", append(fields, zap.String("class", string(class)), zap.Error(runErr))...)
		s.terminal(job)
	}
}

// scheduleLocked re-enqueues a pending job after delay. Callers hold s.mu.
func (s *Scheduler) scheduleLocked(id string, kind catalog.Kind, delay time.Duration) {
	if s.stopping.Load() {
		return
	}
	if t, ok := s.backoffs[id]; ok {
		t.Stop()
	}
	s.backoffs[id] = s.afterFunc(delay, func() { s.requeue(id, kind) })
}

func (s *Scheduler) requeue(id string, kind catalog.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backoffs[id]; !ok {
		return
	}
	delete(s.backoffs, id)
	if s.stopping.Load() {
		return
	}
	err := s.queue.Enqueue(context.Background(), memory.Item{JobID: id, Kind: kind, EnqueuedAt: s.clock.Now()})
	if err != nil {
		s.logger.Warn("requeue after backoff failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	s.updateQueueDepth(kind)
}

// Recover re-queues work left behind by a previous process: pending jobs
// are queued again (honoring any retry backoff still in the future) and
// running jobs go back to pending without consuming a retry.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	running, err := s.jobs.ListJobs(ctx, catalog.JobFilter{Status: catalog.JobStatusRunning, Limit: s.cfg.RecoverLimit})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	s.mu.Lock()
	for _, job := range running {
		if _, live := s.running[job.ID]; live {
			continue
		}
		if err := job.Requeue(interruptedMessage); err != nil {
			continue
		}
		if err := s.jobs.UpdateJob(ctx, job); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("requeue interrupted job %s: %w", job.ID, err)
		}
	}
	s.mu.Unlock()

	pending, err := s.jobs.ListJobs(ctx, catalog.JobFilter{Status: catalog.JobStatusPending, Limit: s.cfg.RecoverLimit})
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	now := s.clock.Now()
	recovered := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range pending {
		if _, live := s.running[job.ID]; live {
			continue
		}
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			s.scheduleLocked(job.ID, job.Kind, job.NextAttemptAt.Sub(now))
			recovered++
			continue
		}
		err := s.queue.Enqueue(ctx, memory.Item{JobID: job.ID, Kind: job.Kind, EnqueuedAt: now})
		if err != nil {
			s.logger.Warn("recover enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered jobs", zap.Int("count", recovered), zap.Int("interrupted", len(running)))
	}
	return recovered, nil
}

// Shutdown stops admissions and waits for running jobs to persist their
// outcomes. If ctx expires first, running jobs are cancelled and left
// pending for Recover.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping.Store(true)
	for id, t := range s.backoffs {
		t.Stop()
		delete(s.backoffs, id)
	}
	s.mu.Unlock()
	s.queue.Close()
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.abortWork()
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, a := range s.running {
		a.aborted = true
	}
	s.mu.Unlock()
	s.abortWork()
	<-done
	s.logger.Warn("shutdown deadline hit; in-flight jobs left pending")
	return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
}
