package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-refresher/internal/admission"
	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/extract"
	"github.com/JakeFAU/catalog-refresher/internal/metrics"
	pubmemory "github.com/JakeFAU/catalog-refresher/internal/publisher/memory"
	"github.com/JakeFAU/catalog-refresher/internal/queue/memory"
	"github.com/JakeFAU/catalog-refresher/internal/staleness"
	storemem "github.com/JakeFAU/catalog-refresher/internal/storage/memory"
	"github.com/JakeFAU/catalog-refresher/internal/worker"
)

const waitFor = 2 * time.Second

const redirectedHTML = `<html><body>
<h1>Dune</h1>
<div class="reviews"><div class="review"><h4 class="review-title">Classic</h4><p class="review-content">Still great.</p></div></div>
</body></html>`

func init() {
	metrics.Init()
}

func TestScenarioNavigationJobCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{}, func(_ context.Context, _ catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		return result(catalog.Navigation{Slug: "fiction", Title: "Fiction", SourceURL: "https://example.com/fiction"}), nil
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.NoError(t, err)

	job := h.waitStatus(id, catalog.JobStatusCompleted)
	require.Equal(t, 1, job.ItemsProcessed)
	require.NotNil(t, job.TotalItems)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	require.NoError(t, job.Validate())

	rec, err := h.entities.Get(context.Background(), catalog.KindNavigation, "fiction")
	require.NoError(t, err)
	require.Equal(t, "Fiction", rec.Entity.(catalog.Navigation).Title)
	require.Equal(t, h.clock.Now(), rec.LastScrapedAt)

	require.Eventually(t, func() bool { return len(h.pub.ForJob(id)) == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, catalog.JobStatusCompleted, h.pub.ForJob(id)[0].Status)
}

func TestScenarioTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		if calls.Add(1) <= 2 {
			return worker.Result{}, catalog.NewScrapeError(catalog.ClassTransient, "navigate", job.TargetURL, errors.New("connection reset"))
		}
		return result(catalog.Product{SourceID: "p1", Title: "Dune"}), nil
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/fiction"})
	require.NoError(t, err)

	job := h.waitStatus(id, catalog.JobStatusCompleted)
	require.Equal(t, 2, job.RetryCount)
	require.Equal(t, int32(3), calls.Load())
}

func TestScenarioRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{}, catalog.NewScrapeError(catalog.ClassTransient, "navigate", job.TargetURL, context.DeadlineExceeded)
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/dune"})
	require.NoError(t, err)

	job := h.waitStatus(id, catalog.JobStatusFailed)
	require.Equal(t, 3, job.RetryCount)
	require.NotEmpty(t, job.ErrorLog)
	require.Equal(t, catalog.ClassTransient, job.FailureClass)
	require.Never(t, func() bool { return calls.Load() > 4 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, int32(4), calls.Load(), "max_retries+1 attempts")

	n, err := h.entities.CountByKind(context.Background(), catalog.KindProductDetail)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestScenarioConcurrentWritesSameKey(t *testing.T) {
	t.Parallel()

	firstDone := make(chan struct{})
	h := newHarness(t, harnessOpts{maxConcurrency: 2}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		if job.TargetSlug == "second" {
			<-firstDone
			return result(catalog.ProductDetail{SourceID: "same", Title: "Second Edition", Price: 9.99}), nil
		}
		return result(catalog.ProductDetail{SourceID: "same", Title: "First Edition", Price: 4.99}), nil
	})
	h.start()

	first, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/a", TargetSlug: "first"})
	require.NoError(t, err)
	second, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/a", TargetSlug: "second"})
	require.NoError(t, err)

	h.waitStatus(first, catalog.JobStatusCompleted)
	close(firstDone)
	h.waitStatus(second, catalog.JobStatusCompleted)

	rec, err := h.entities.Get(context.Background(), catalog.KindProductDetail, "same")
	require.NoError(t, err)
	require.Equal(t, catalog.ProductDetail{SourceID: "same", Title: "Second Edition", Price: 9.99}, rec.Entity)
}

func TestFailedPersistLeavesStoredRecordsUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{maxRetries: 1, wrapEntities: func(inner *storemem.EntityStore) catalog.EntityStore {
		return &failingKeyStore{EntityStore: inner, failKey: "b"}
	}}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		return result(
			catalog.Product{SourceID: "a", Title: "NEW", CategorySlug: "fiction"},
			catalog.Product{SourceID: "b", Title: "Other", CategorySlug: "fiction"},
		), nil
	})
	ctx := context.Background()
	old := catalog.Product{SourceID: "a", Title: "OLD", CategorySlug: "fiction"}
	_, err := h.entities.UpsertByNaturalKey(ctx, catalog.KindProducts, "a", old, h.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	h.start()

	id, err := h.s.EnqueueJob(ctx, catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/fiction", TargetSlug: "fiction"})
	require.NoError(t, err)

	job := h.waitStatus(id, catalog.JobStatusFailed)
	require.Contains(t, job.ErrorLog, "disk full")
	rec, err := h.entities.Get(ctx, catalog.KindProducts, "a")
	require.NoError(t, err)
	require.Equal(t, old, rec.Entity)
	_, err = h.entities.Get(ctx, catalog.KindProducts, "b")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{}, &catalog.ScrapeError{Class: catalog.ClassFatal, Op: "navigate", URL: job.TargetURL, StatusCode: 404, Err: errors.New("Not Found")}
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindReviews, TargetURL: "https://example.com/p/gone"})
	require.NoError(t, err)

	job := h.waitStatus(id, catalog.JobStatusFailed)
	require.Zero(t, job.RetryCount)
	require.Equal(t, catalog.ClassFatal, job.FailureClass)
	require.Contains(t, job.ErrorLog, "404")
	require.Equal(t, int32(1), calls.Load())
}

func TestRetryJobResubmitsFailedTarget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		if calls.Add(1) == 1 {
			return worker.Result{}, &catalog.ScrapeError{Class: catalog.ClassFatal, Op: "navigate", URL: job.TargetURL, StatusCode: 404, Err: errors.New("Not Found")}
		}
		return result(catalog.ProductDetail{SourceID: "dune", Title: "Dune", Price: 3.5}), nil
	})
	h.start()
	ctx := context.Background()

	id, err := h.s.EnqueueJob(ctx, catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/dune", TargetSlug: "dune"})
	require.NoError(t, err)
	h.waitStatus(id, catalog.JobStatusFailed)

	retryID, err := h.s.RetryJob(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, id, retryID)
	retried := h.waitStatus(retryID, catalog.JobStatusCompleted)
	require.Equal(t, "dune", retried.TargetSlug)
	require.Zero(t, retried.RetryCount)

	old, err := h.s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusFailed, old.Status)

	_, err = h.s.RetryJob(ctx, retryID)
	require.ErrorIs(t, err, catalog.ErrInvalidTransition)
	_, err = h.s.RetryJob(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestExtractionFailuresRetryThenFail(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{maxRetries: 1}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{}, catalog.NewScrapeError(catalog.ClassExtraction, "extract", job.TargetURL, catalog.ErrSelectorMismatch)
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindCategories, TargetURL: "https://example.com/fiction"})
	require.NoError(t, err)

	job := h.waitStatus(id, catalog.JobStatusFailed)
	require.Equal(t, catalog.ClassExtraction, job.FailureClass)
	require.Equal(t, 1, job.RetryCount)
	require.Equal(t, int32(2), calls.Load())
}

func TestMalformedInputFailsWithoutRunning(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{}, nil
	})
	h.start()

	for _, spec := range []catalog.JobSpec{
		{Kind: "sitemap", TargetURL: "https://example.com/"},
		{Kind: catalog.KindProducts, TargetURL: "not a url"},
	} {
		id, err := h.s.EnqueueJob(context.Background(), spec)
		require.NoError(t, err)
		job, err := h.s.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, catalog.JobStatusFailed, job.Status)
		require.Equal(t, catalog.ClassFatal, job.FailureClass)
	}
	require.Zero(t, calls.Load())
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	h := newHarness(t, harnessOpts{maxConcurrency: 2}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return worker.Result{}, nil
	})
	h.start()

	var ids []string
	for i := range 10 {
		kind := catalog.Kinds[i%len(catalog.Kinds)]
		id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: kind, TargetURL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.waitStatus(id, catalog.JobStatusCompleted)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Positive(t, peak.Load())
}

func TestRateGateHoldsJobsPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{maxConcurrency: 5, perMinute: 1, burst: 2}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		return worker.Result{}, nil
	})
	h.start()

	var ids []string
	for i := range 4 {
		id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h.waitStatus(ids[0], catalog.JobStatusCompleted)
	h.waitStatus(ids[1], catalog.JobStatusCompleted)
	require.Never(t, func() bool {
		job, _ := h.s.GetJob(context.Background(), ids[2])
		return job.Status != catalog.JobStatusPending
	}, 100*time.Millisecond, 10*time.Millisecond)

	h.clock.Advance(time.Minute)
	h.waitStatus(ids[2], catalog.JobStatusCompleted)
	require.Never(t, func() bool {
		job, _ := h.s.GetJob(context.Background(), ids[3])
		return job.Status != catalog.JobStatusPending
	}, 50*time.Millisecond, 10*time.Millisecond)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		return worker.Result{}, nil
	})

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindCategories, TargetURL: "https://example.com/fiction"})
	require.NoError(t, err)
	require.True(t, h.queue.Contains(id))

	job, err := h.s.CancelJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusFailed, job.Status)
	require.Equal(t, catalog.ClassCancelled, job.FailureClass)
	require.False(t, h.queue.Contains(id))

	again, err := h.s.CancelJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, job.CompletedAt, again.CompletedAt, "cancelling a terminal job is a no-op")

	_, err = h.s.CancelJob(context.Background(), "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, harnessOpts{backoff: time.Hour}, func(_ context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		calls.Add(1)
		return worker.Result{}, catalog.NewScrapeError(catalog.ClassTransient, "navigate", job.TargetURL, errors.New("503"))
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, _ := h.s.GetJob(context.Background(), id)
		return job.RetryCount == 1 && job.Status == catalog.JobStatusPending
	}, waitFor, 5*time.Millisecond)

	job, err := h.s.CancelJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, catalog.ClassCancelled, job.FailureClass)
	h.s.mu.Lock()
	require.Empty(t, h.s.backoffs)
	h.s.mu.Unlock()
	require.Equal(t, int32(1), calls.Load())
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(t, harnessOpts{}, func(ctx context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		close(started)
		<-ctx.Done()
		return worker.Result{}, catalog.NewScrapeError(catalog.ClassCancelled, "navigate", job.TargetURL, catalog.ErrCancelled)
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindReviews, TargetURL: "https://example.com/p/dune"})
	require.NoError(t, err)
	<-started

	job, err := h.s.CancelJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusRunning, job.Status)

	job = h.waitStatus(id, catalog.JobStatusFailed)
	require.Equal(t, catalog.ClassCancelled, job.FailureClass)
	require.Zero(t, job.RetryCount)
}

func TestJobTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{maxRetries: 1, jobTimeout: 20 * time.Millisecond}, func(ctx context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, catalog.NewScrapeError(catalog.ClassTransient, "navigate", job.TargetURL, ctx.Err())
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.NoError(t, err)
	job := h.waitStatus(id, catalog.JobStatusFailed)
	require.Equal(t, catalog.ClassTransient, job.FailureClass)
	require.Equal(t, 1, job.RetryCount)
	require.Contains(t, job.ErrorLog, context.DeadlineExceeded.Error())
}

func TestRunnerPanicIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		panic("boom")
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.NoError(t, err)
	job := h.waitStatus(id, catalog.JobStatusFailed)
	require.Equal(t, catalog.ClassFatal, job.FailureClass)
	require.Eventually(t, func() bool { return h.gate.InFlight() == 0 }, waitFor, time.Millisecond)
}

func TestShutdownWaitsForRunningJobs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, harnessOpts{}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		close(started)
		<-release
		return result(catalog.Navigation{Slug: "fiction", Title: "Fiction"}), nil
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.NoError(t, err)
	<-started

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return !h.s.Ready() }, waitFor, time.Millisecond)
	_, err = h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.ErrorIs(t, err, catalog.ErrQueueClosed)

	close(release)
	require.NoError(t, <-errCh)
	job, err := h.s.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusCompleted, job.Status)
}

func TestShutdownDeadlineLeavesJobsPending(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(t, harnessOpts{}, func(ctx context.Context, job catalog.Job, _ catalog.ExtractContext) (worker.Result, error) {
		close(started)
		<-ctx.Done()
		return worker.Result{}, catalog.NewScrapeError(catalog.ClassCancelled, "navigate", job.TargetURL, catalog.ErrCancelled)
	})
	h.start()

	id, err := h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.s.Shutdown(ctx), context.DeadlineExceeded)

	job, err := h.s.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusPending, job.Status)
	require.Equal(t, interruptedMessage, job.ErrorLog)
	require.Zero(t, job.RetryCount)
	require.Zero(t, h.gate.InFlight())
}

func TestRecoverRequeuesLeftoverJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		return worker.Result{}, nil
	})
	ctx := context.Background()
	now := h.clock.Now()

	interrupted := catalog.NewJob("old-running", catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/a"}, 3, now.Add(-time.Minute))
	require.NoError(t, interrupted.Start(now))
	require.NoError(t, h.jobs.CreateJob(ctx, interrupted))
	waiting := catalog.NewJob("old-pending", catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/b"}, 3, now)
	require.NoError(t, h.jobs.CreateJob(ctx, waiting))
	finished := catalog.NewJob("old-done", catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/c"}, 3, now)
	require.NoError(t, finished.Start(now))
	require.NoError(t, finished.Complete(0, now))
	require.NoError(t, h.jobs.CreateJob(ctx, finished))

	n, err := h.s.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	job, err := h.s.GetJob(ctx, "old-running")
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusPending, job.Status)
	require.Zero(t, job.RetryCount)

	h.start()
	h.waitStatus("old-running", catalog.JobStatusCompleted)
	h.waitStatus("old-pending", catalog.JobStatusCompleted)
}

func TestRefreshIfStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{}, func(context.Context, catalog.Job, catalog.ExtractContext) (worker.Result, error) {
		return worker.Result{}, nil
	})
	ctx := context.Background()
	now := h.clock.Now()

	_, err := h.entities.UpsertByNaturalKey(ctx, catalog.KindProducts, "p1", catalog.Product{SourceID: "p1", CategorySlug: "fiction"}, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = h.entities.UpsertByNaturalKey(ctx, catalog.KindProducts, "p2", catalog.Product{SourceID: "p2", CategorySlug: "poetry"}, now.Add(-13*time.Hour))
	require.NoError(t, err)

	id, enqueued, err := h.s.RefreshIfStale(ctx, catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/c/fiction"})
	require.NoError(t, err)
	require.False(t, enqueued)
	require.Empty(t, id)

	id, enqueued, err = h.s.RefreshIfStale(ctx, catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/c/poetry"})
	require.NoError(t, err)
	require.True(t, enqueued)
	require.NotEmpty(t, id)

	_, enqueued, err = h.s.RefreshIfStale(ctx, catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/never-seen"})
	require.NoError(t, err)
	require.True(t, enqueued, "absent records are stale")

	_, _, err = h.s.RefreshIfStale(ctx, catalog.JobSpec{Kind: "sitemap", TargetURL: "https://example.com/"})
	require.ErrorIs(t, err, catalog.ErrUnsupportedKind)
}

func TestRedirectedPagesStayFresh(t *testing.T) {
	t.Parallel()

	registry := extract.NewDefaultRegistry(extract.DefaultSelectors())
	h := newHarness(t, harnessOpts{}, func(_ context.Context, job catalog.Job, ectx catalog.ExtractContext) (worker.Result, error) {
		strategy, err := registry.For(job.Kind)
		if err != nil {
			return worker.Result{}, err
		}
		page := catalog.Page{
			RequestedURL: job.TargetURL,
			FinalURL:     "https://example.com/en-gb/products/dune-frank-herbert-9780441013593",
			StatusCode:   200,
			HTML:         []byte(redirectedHTML),
		}
		records, err := strategy.Extract(page, ectx)
		if err != nil {
			return worker.Result{}, err
		}
		return result(records...), nil
	})
	h.start()
	ctx := context.Background()

	for _, spec := range []catalog.JobSpec{
		{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/dune"},
		{Kind: catalog.KindReviews, TargetURL: "https://example.com/p/dune"},
	} {
		id, err := h.s.EnqueueJob(ctx, spec)
		require.NoError(t, err)
		h.waitStatus(id, catalog.JobStatusCompleted)

		stale, last, err := h.s.IsStale(ctx, spec)
		require.NoError(t, err)
		require.False(t, stale, string(spec.Kind))
		require.NotNil(t, last)

		_, enqueued, err := h.s.RefreshIfStale(ctx, spec)
		require.NoError(t, err)
		require.False(t, enqueued, string(spec.Kind))
	}
}

func TestProductsJobInheritsNavigationSlug(t *testing.T) {
	t.Parallel()

	got := make(chan catalog.ExtractContext, 1)
	h := newHarness(t, harnessOpts{}, func(_ context.Context, _ catalog.Job, ectx catalog.ExtractContext) (worker.Result, error) {
		got <- ectx
		return worker.Result{}, nil
	})
	_, err := h.entities.UpsertByNaturalKey(context.Background(), catalog.KindCategories, "poetry",
		catalog.Category{Slug: "poetry", NavigationSlug: "books"}, h.clock.Now())
	require.NoError(t, err)
	h.start()

	_, err = h.s.EnqueueJob(context.Background(), catalog.JobSpec{Kind: catalog.KindProducts, TargetURL: "https://example.com/c/poetry"})
	require.NoError(t, err)

	select {
	case ectx := <-got:
		require.Equal(t, catalog.ExtractContext{CategorySlug: "poetry", NavigationSlug: "books"}, ectx)
	case <-time.After(waitFor):
		t.Fatal("job did not run")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := Config{BackoffBase: 2 * time.Second, BackoffMax: 5 * time.Minute, RateLimitMultiplier: 4}
	require.Equal(t, 2*time.Second, Backoff(cfg, catalog.ClassTransient, 0))
	require.Equal(t, 4*time.Second, Backoff(cfg, catalog.ClassTransient, 1))
	require.Equal(t, 8*time.Second, Backoff(cfg, catalog.ClassExtraction, 2))
	require.Equal(t, 8*time.Second, Backoff(cfg, catalog.ClassRateLimited, 0))
	require.Equal(t, 5*time.Minute, Backoff(cfg, catalog.ClassTransient, 40))
	require.Equal(t, 8*time.Second, Backoff(Config{RateLimitMultiplier: 1}, catalog.ClassRateLimited, 0), "rate limits back off at least 4x")
}

func TestJobTimeoutFollowsRequestTimeout(t *testing.T) {
	t.Parallel()

	require.Equal(t, 21*time.Second, JobTimeout(Config{RequestTimeout: 10 * time.Second, Delay: time.Second}))
	require.Equal(t, 6*time.Second, JobTimeout(Config{RequestTimeout: 3 * time.Second}))
	require.Equal(t, 20*time.Second, JobTimeout(Config{}))
	require.Equal(t, time.Minute, JobTimeout(Config{JobTimeout: time.Minute, RequestTimeout: time.Second}), "an explicit timeout wins")
}

func TestSubjectOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, Subject{Kind: catalog.KindNavigation, Listing: true}, SubjectOf(catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: "https://example.com/"}))
	require.Equal(t, Subject{Kind: catalog.KindCategories, Listing: true, Key: "fiction"},
		SubjectOf(catalog.JobSpec{Kind: catalog.KindCategories, TargetURL: "https://example.com/Fiction/"}))
	require.Equal(t, Subject{Kind: catalog.KindReviews, Listing: true, Key: "abc"},
		SubjectOf(catalog.JobSpec{Kind: catalog.KindReviews, TargetURL: "https://example.com/p/x", TargetSlug: "abc"}))
	detail := SubjectOf(catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: "https://example.com/p/x"})
	require.False(t, detail.Listing)
	require.Len(t, detail.Key, 24)
}

type runFunc func(ctx context.Context, job catalog.Job, ectx catalog.ExtractContext) (worker.Result, error)

func (f runFunc) Run(ctx context.Context, job catalog.Job, ectx catalog.ExtractContext) (worker.Result, error) {
	return f(ctx, job, ectx)
}

type harnessOpts struct {
	maxConcurrency int
	maxRetries     int
	perMinute      int
	burst          int
	backoff        time.Duration
	jobTimeout     time.Duration
	wrapEntities   func(*storemem.EntityStore) catalog.EntityStore
}

type harness struct {
	t        *testing.T
	s        *Scheduler
	jobs     *storemem.JobStore
	entities *storemem.EntityStore
	queue    *memory.Queue
	gate     *admission.Gate
	pub      *pubmemory.Publisher
	clock    *fakeClock
}

func newHarness(t *testing.T, opts harnessOpts, run runFunc) *harness {
	t.Helper()
	if opts.maxConcurrency == 0 {
		opts.maxConcurrency = 1
	}
	if opts.maxRetries == 0 {
		opts.maxRetries = 3
	}
	if opts.backoff == 0 {
		opts.backoff = time.Millisecond
	}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	gate, err := admission.New(admission.Config{
		MaxConcurrency:    opts.maxConcurrency,
		MaxRequestsPerMin: opts.perMinute,
		BurstLimit:        opts.burst,
		BurstWindow:       time.Minute,
	}, clock)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		jobs:     storemem.NewJobStore(),
		entities: storemem.NewEntityStore(),
		queue:    memory.NewQueue(catalog.Kinds),
		gate:     gate,
		pub:      pubmemory.New(),
		clock:    clock,
	}
	var entities catalog.EntityStore = h.entities
	if opts.wrapEntities != nil {
		entities = opts.wrapEntities(h.entities)
	}
	h.s, err = New(Config{
		MaxRetries:   opts.maxRetries,
		BackoffBase:  opts.backoff,
		BackoffMax:   opts.backoff * 8,
		JobTimeout:   opts.jobTimeout,
		PollInterval: 5 * time.Millisecond,
	}, Deps{
		Jobs:      h.jobs,
		Entities:  entities,
		Queue:     h.queue,
		Gate:      gate,
		Runner:    run,
		Oracle:    staleness.NewOracle(nil),
		Publisher: h.pub,
		Clock:     clock,
		IDs:       &seqIDs{},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.s.Run(ctx)
		close(done)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = h.s.Shutdown(shutdownCtx)
	})
}

func (h *harness) waitStatus(id string, status catalog.JobStatus) catalog.Job {
	h.t.Helper()
	var job catalog.Job
	require.Eventually(h.t, func() bool {
		var err error
		job, err = h.s.GetJob(context.Background(), id)
		return err == nil && job.Status == status
	}, waitFor, 2*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func result(records ...catalog.Entity) worker.Result {
	return worker.Result{Records: records, ItemCount: len(records)}
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", s.n.Add(1)), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingKeyStore rejects every write that touches failKey.
type failingKeyStore struct {
	*storemem.EntityStore
	failKey string
}

func (f *failingKeyStore) UpsertByNaturalKey(ctx context.Context, kind catalog.Kind, key string, fields catalog.Entity, at time.Time) (catalog.StoredRecord, error) {
	if key == f.failKey {
		return catalog.StoredRecord{}, errors.New("disk full")
	}
	return f.EntityStore.UpsertByNaturalKey(ctx, kind, key, fields, at)
}

func (f *failingKeyStore) UpsertMany(ctx context.Context, records []catalog.Entity, at time.Time) error {
	for _, rec := range records {
		if rec.NaturalKey() == f.failKey {
			return errors.New("disk full")
		}
	}
	return f.EntityStore.UpsertMany(ctx, records, at)
}
