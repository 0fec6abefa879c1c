package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	job := catalog.NewJob("job-1", catalog.JobSpec{
		Kind:       catalog.KindReviews,
		TargetURL:  "https://example.com/p/dune",
		ParentSlug: "abc123",
	}, 3, epoch)
	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job), "duplicate id")

	require.NoError(t, job.Start(epoch.Add(time.Second)))
	require.NoError(t, job.Retry(catalog.ClassRateLimited, "429", epoch.Add(9*time.Second)))
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, catalog.ClassRateLimited, got.FailureClass)
	require.Equal(t, "abc123", got.ParentSlug)
	require.True(t, got.CreatedAt.Equal(epoch))
	require.NotNil(t, got.NextAttemptAt)
	require.True(t, got.NextAttemptAt.Equal(epoch.Add(9*time.Second)))

	require.NoError(t, job.Start(epoch.Add(10*time.Second)))
	require.NoError(t, job.Complete(4, epoch.Add(11*time.Second)))
	require.NoError(t, store.UpdateJob(ctx, job))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusCompleted, got.Status)
	require.NotNil(t, got.TotalItems)
	require.Equal(t, 4, *got.TotalItems)
	require.True(t, got.CompletedAt.Equal(epoch.Add(11*time.Second)))
}

func TestMissingJob(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	_, err := store.GetJob(context.Background(), "ghost")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.ErrorIs(t, store.UpdateJob(context.Background(), catalog.Job{ID: "ghost"}), catalog.ErrNotFound)
}

func TestListAndPrune(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	for i := range 12 {
		kind := catalog.KindCategories
		if i%2 == 0 {
			kind = catalog.KindProducts
		}
		job := catalog.NewJob(fmt.Sprintf("job-%02d", i), catalog.JobSpec{Kind: kind, TargetURL: "https://example.com/"}, 1, epoch.Add(time.Duration(i)*time.Minute))
		if i < 4 {
			require.NoError(t, job.Start(epoch))
			require.NoError(t, job.Fail(catalog.ClassFatal, "404", epoch.Add(time.Duration(i)*time.Hour)))
		}
		require.NoError(t, store.CreateJob(ctx, job))
	}

	recent, err := store.ListRecentJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, defaultListLimit)
	require.Equal(t, "job-11", recent[0].ID)

	products, err := store.ListJobs(ctx, catalog.JobFilter{Kind: catalog.KindProducts, Limit: 50})
	require.NoError(t, err)
	require.Len(t, products, 6)

	failed, err := store.ListJobs(ctx, catalog.JobFilter{Status: catalog.JobStatusFailed, Kind: catalog.KindCategories})
	require.NoError(t, err)
	require.Len(t, failed, 2)

	removed, err := store.PruneJobs(ctx, epoch.Add(150*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 3, removed)
	_, err = store.GetJob(ctx, "job-03")
	require.NoError(t, err)
}
