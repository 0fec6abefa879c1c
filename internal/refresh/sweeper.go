// Package refresh periodically re-derives stale catalog data by submitting
// the jobs that would scrape it again.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/staleness"
)

const (
	defaultInterval  = 15 * time.Minute
	defaultBatchSize = 100
)

// Refresher submits a job when the data it refreshes is stale.
type Refresher interface {
	RefreshIfStale(ctx context.Context, spec catalog.JobSpec) (string, bool, error)
}

// Config controls the sweep cadence.
type Config struct {
	Interval  time.Duration
	SeedURL   string
	BatchSize int
}

// Summary counts what one sweep did.
type Summary struct {
	Stale     int
	Throttled int
	Skipped   int
	Enqueued  int
}

// Sweeper walks stale records kind by kind. It is not safe to run Sweep
// concurrently with itself.
type Sweeper struct {
	cfg       Config
	entities  catalog.EntityStore
	refresher Refresher
	oracle    *staleness.Oracle
	throttle  catalog.CheckThrottle
	clock     catalog.Clock
	logger    *zap.Logger
}

// New builds a Sweeper. A nil throttle falls back to an in-memory one with
// the default horizon.
func New(
	cfg Config,
	entities catalog.EntityStore,
	refresher Refresher,
	oracle *staleness.Oracle,
	throttle catalog.CheckThrottle,
	clock catalog.Clock,
	logger *zap.Logger,
) (*Sweeper, error) {
	if entities == nil || refresher == nil || clock == nil {
		return nil, errors.New("entity store, refresher and clock are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if oracle == nil {
		oracle = staleness.NewOracle(nil)
	}
	if throttle == nil {
		throttle = staleness.NewMemoryThrottle(staleness.DefaultCheckHorizon, clock)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cfg:       cfg,
		entities:  entities,
		refresher: refresher,
		oracle:    oracle,
		throttle:  throttle,
		clock:     clock,
		logger:    logger.Named("refresh"),
	}, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep submits refresh jobs for every stale record it can map to a parent
// page. An empty catalog is bootstrapped from the seed URL.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	navs, err := s.entities.CountByKind(ctx, catalog.KindNavigation)
	if err != nil {
		return sum, fmt.Errorf("count navigation: %w", err)
	}
	if navs == 0 && s.cfg.SeedURL != "" {
		if err := s.submit(ctx, seedSpec(s.cfg.SeedURL), &sum); err != nil {
			return sum, err
		}
	}

	now := s.clock.Now()
	for _, kind := range catalog.Kinds {
		records, err := s.entities.ListStale(ctx, kind, s.oracle.Cutoff(kind, now), s.cfg.BatchSize)
		if err != nil {
			return sum, fmt.Errorf("list stale %s: %w", kind, err)
		}
		for _, rec := range records {
			sum.Stale++
			spec, ok := s.specFor(ctx, rec)
			if !ok {
				sum.Skipped++
				s.logger.Debug("no parent page for stale record",
					zap.String("kind", string(rec.Kind)), zap.String("key", rec.Key))
				continue
			}
			if err := s.submit(ctx, spec, &sum); err != nil {
				return sum, err
			}
		}
	}
	s.logger.Info("sweep finished",
		zap.Int("stale", sum.Stale),
		zap.Int("enqueued", sum.Enqueued),
		zap.Int("throttled", sum.Throttled),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, nil
}

func (s *Sweeper) submit(ctx context.Context, spec catalog.JobSpec, sum *Summary) error {
	ok, err := s.throttle.Allow(ctx, staleness.CheckKey(spec.Kind, spec.TargetURL))
	if err != nil {
		return fmt.Errorf("check throttle: %w", err)
	}
	if !ok {
		sum.Throttled++
		return nil
	}
	id, enqueued, err := s.refresher.RefreshIfStale(ctx, spec)
	if err != nil {
		if errors.Is(err, catalog.ErrQueueClosed) {
			return err
		}
		s.logger.Warn("refresh failed", zap.String("kind", string(spec.Kind)), zap.String("url", spec.TargetURL), zap.Error(err))
		return nil
	}
	if enqueued {
		sum.Enqueued++
		s.logger.Debug("refresh enqueued", zap.String("job_id", id), zap.String("kind", string(spec.Kind)), zap.String("url", spec.TargetURL))
	}
	return nil
}

// specFor maps a stale record to the job that scrapes it: the page it was
// listed on, or its own page for product details.
func (s *Sweeper) specFor(ctx context.Context, rec catalog.StoredRecord) (catalog.JobSpec, bool) {
	switch e := rec.Entity.(type) {
	case catalog.Navigation:
		if s.cfg.SeedURL == "" {
			return catalog.JobSpec{}, false
		}
		return seedSpec(s.cfg.SeedURL), true
	case catalog.Category:
		nav, ok := s.parent(ctx, catalog.KindNavigation, e.NavigationSlug)
		if !ok {
			return catalog.JobSpec{}, false
		}
		return catalog.JobSpec{Kind: catalog.KindCategories, TargetURL: catalog.SourceURLOf(nav), TargetSlug: e.NavigationSlug}, true
	case catalog.Product:
		parent, ok := s.parent(ctx, catalog.KindCategories, e.CategorySlug)
		if !ok {
			return catalog.JobSpec{}, false
		}
		return catalog.JobSpec{
			Kind:       catalog.KindProducts,
			TargetURL:  catalog.SourceURLOf(parent),
			TargetSlug: e.CategorySlug,
			ParentSlug: catalog.ParentKey(parent),
		}, true
	case catalog.ProductDetail:
		if e.SourceURL == "" {
			return catalog.JobSpec{}, false
		}
		return catalog.JobSpec{Kind: catalog.KindProductDetail, TargetURL: e.SourceURL, TargetSlug: e.SourceID}, true
	case catalog.Review:
		product, ok := s.parent(ctx, catalog.KindProductDetail, e.ProductSourceID)
		if !ok {
			product, ok = s.parent(ctx, catalog.KindProducts, e.ProductSourceID)
		}
		if !ok {
			return catalog.JobSpec{}, false
		}
		return catalog.JobSpec{Kind: catalog.KindReviews, TargetURL: catalog.SourceURLOf(product), TargetSlug: e.ProductSourceID}, true
	default:
		return catalog.JobSpec{}, false
	}
}

// parent loads the record a child hangs off. Parent references are soft, so
// a missing row is not an error.
func (s *Sweeper) parent(ctx context.Context, kind catalog.Kind, key string) (catalog.Entity, bool) {
	if key == "" {
		return nil, false
	}
	rec, err := s.entities.Get(ctx, kind, key)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			s.logger.Warn("load parent record failed", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if catalog.SourceURLOf(rec.Entity) == "" {
		return nil, false
	}
	return rec.Entity, true
}

func seedSpec(url string) catalog.JobSpec {
	return catalog.JobSpec{Kind: catalog.KindNavigation, TargetURL: url}
}
