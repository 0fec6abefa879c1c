// Package worker executes a single scrape job: lease a browser session,
// pace the request, navigate, extract, and classify any failure.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/extract"
	"github.com/JakeFAU/catalog-refresher/internal/fetcher"
	"github.com/JakeFAU/catalog-refresher/internal/hash/sha256"
	"github.com/JakeFAU/catalog-refresher/internal/metrics"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultContentType    = "text/html; charset=utf-8"
)

// DefaultBlockMarkers are lowercase fragments of pages served instead of
// content when the site is refusing the client.
var DefaultBlockMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"cf-challenge",
	"px-captcha",
	"access denied",
	"unusual traffic",
	"are you a robot",
}

// Config controls Worker behavior.
type Config struct {
	Delay          time.Duration
	RequestTimeout time.Duration
	SnapshotPrefix string
	ContentType    string
	BlockMarkers   []string
}

// Extractor runs the strategy registered for a kind.
type Extractor interface {
	Extract(kind catalog.Kind, page catalog.Page, ectx catalog.ExtractContext) ([]catalog.Entity, error)
}

// Result is the outcome of a successful run.
type Result struct {
	Records   []catalog.Entity
	ItemCount int
	FinalURL  string
	FetchedAt time.Time
}

// Worker is stateless between runs and safe for concurrent use; the pool
// bounds how many runs hold a session at once.
type Worker struct {
	pool      *fetcher.Pool
	extractor Extractor
	blobs     catalog.BlobStore
	hasher    *sha256.Hasher
	clock     catalog.Clock
	cfg       Config
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// New constructs a Worker. blobs may be nil to disable snapshots.
func New(
	pool *fetcher.Pool,
	extractor Extractor,
	blobs catalog.BlobStore,
	clock catalog.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if cfg.BlockMarkers == nil {
		cfg.BlockMarkers = DefaultBlockMarkers
	}
	return &Worker{
		pool:      pool,
		extractor: extractor,
		blobs:     blobs,
		hasher:    sha256.New(),
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
		sleep:     sleepCtx,
	}
}

// Run executes job and returns either records or a *catalog.ScrapeError.
// Cancellation of ctx is checked between steps; a navigation already in
// flight completes (bounded by the request timeout) before the run aborts.
func (w *Worker) Run(ctx context.Context, job catalog.Job, ectx catalog.ExtractContext) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("worker panic recovered", zap.String("job_id", job.ID), zap.Any("panic", rec))
			res = Result{}
			err = catalog.NewScrapeError(catalog.ClassFatal, "run", job.TargetURL, fmt.Errorf("panic: %v", rec))
		}
	}()

	if !job.Kind.Valid() {
		return Result{}, catalog.NewScrapeError(catalog.ClassFatal, "validate", job.TargetURL,
			fmt.Errorf("%w: %q", catalog.ErrUnsupportedKind, job.Kind))
	}
	if _, err := extract.CanonicalURL(job.TargetURL); err != nil {
		return Result{}, catalog.NewScrapeError(catalog.ClassFatal, "validate", job.TargetURL,
			fmt.Errorf("malformed target url: %w", err))
	}

	lease, err := w.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, contextFailure(ctx, "acquire session", job.TargetURL)
		}
		return Result{}, catalog.NewScrapeError(catalog.ClassTransient, "acquire session", job.TargetURL, err)
	}
	defer lease.Release()

	if err := w.sleep(ctx, w.cfg.Delay); err != nil {
		return Result{}, contextFailure(ctx, "delay", job.TargetURL)
	}
	if ctx.Err() != nil {
		return Result{}, contextFailure(ctx, "navigate", job.TargetURL)
	}

	page, err := w.load(ctx, lease, job)
	if err != nil {
		return Result{}, err
	}
	if ctx.Err() != nil {
		return Result{}, contextFailure(ctx, "extract", job.TargetURL)
	}
	if err := classifyStatus(page); err != nil {
		return Result{}, err
	}

	records, err := w.extractor.Extract(job.Kind, page, ectx)
	if err != nil {
		return Result{}, w.extractionFailure(ctx, job, page, err)
	}
	if len(records) == 0 && w.looksBlocked(page) {
		return Result{}, &catalog.ScrapeError{
			Class:      catalog.ClassRateLimited,
			Op:         "extract",
			URL:        page.URL(),
			StatusCode: page.StatusCode,
			Err:        errors.New("block page detected"),
		}
	}
	w.logger.Debug("page extracted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("url", page.URL()),
		zap.Int("items", len(records)),
	)
	return Result{
		Records:   records,
		ItemCount: len(records),
		FinalURL:  page.URL(),
		FetchedAt: page.FetchedAt,
	}, nil
}

func (w *Worker) load(ctx context.Context, lease *fetcher.Lease, job catalog.Job) (catalog.Page, error) {
	navCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RequestTimeout)
	defer cancel()

	start := w.clock.Now()
	page, err := lease.Session().Load(navCtx, job.TargetURL)
	if err != nil {
		lease.Discard()
		w.logger.Debug("navigation failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.TargetURL),
			zap.Duration("elapsed", w.clock.Now().Sub(start)),
			zap.Error(err),
		)
		return catalog.Page{}, classifyLoadError(job.TargetURL, err)
	}
	if page.FetchedAt.IsZero() {
		page.FetchedAt = w.clock.Now()
	}
	metrics.ObservePageLoad(page.URL(), page.StatusCode, len(page.HTML))
	return page, nil
}

func (w *Worker) extractionFailure(ctx context.Context, job catalog.Job, page catalog.Page, err error) error {
	class := catalog.ClassExtraction
	if errors.Is(err, catalog.ErrUnsupportedKind) {
		class = catalog.ClassFatal
	} else if w.looksBlocked(page) {
		class = catalog.ClassRateLimited
	}
	scrapeErr := &catalog.ScrapeError{Class: class, Op: "extract", URL: page.URL(), StatusCode: page.StatusCode, Err: err}
	if class == catalog.ClassExtraction {
		if uri := w.snapshot(ctx, job, page); uri != "" {
			scrapeErr.Err = fmt.Errorf("%w (snapshot %s)", err, uri)
		}
	}
	return scrapeErr
}

// snapshot archives the page for operators inspecting a markup regression.
func (w *Worker) snapshot(ctx context.Context, job catalog.Job, page catalog.Page) string {
	if w.blobs == nil || len(page.HTML) == 0 {
		return ""
	}
	path := w.snapshotPath(job, w.hasher.Sum(page.HTML))
	uri, err := w.blobs.PutObject(context.WithoutCancel(ctx), path, w.cfg.ContentType, bytes.NewReader(page.HTML))
	if err != nil {
		w.logger.Warn("snapshot upload failed", zap.String("job_id", job.ID), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) snapshotPath(job catalog.Job, digest string) string {
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.html", job.Kind, job.ID, digest)
	}
	return fmt.Sprintf("%s/%s/%s/%s.html", prefix, job.Kind, job.ID, digest)
}

func (w *Worker) looksBlocked(page catalog.Page) bool {
	if len(page.HTML) == 0 {
		return false
	}
	body := bytes.ToLower(page.HTML)
	for _, marker := range w.cfg.BlockMarkers {
		if marker != "" && bytes.Contains(body, []byte(strings.ToLower(marker))) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
