package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/config"
	"github.com/JakeFAU/catalog-refresher/internal/logging"
	"github.com/JakeFAU/catalog-refresher/internal/server"
)

const pollInterval = 250 * time.Millisecond

func serveAction(ctx context.Context, cmd *cli.Command) error {
	app, _, err := buildApp(ctx, cmd, nil)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func scrapeAction(ctx context.Context, cmd *cli.Command) error {
	spec, err := specFromFlags(cmd)
	if err != nil {
		return err
	}
	app, cfg, err := buildApp(ctx, cmd, func(cfg *config.Config) {
		cfg.Refresh.Enabled = false
	})
	if err != nil {
		return err
	}
	defer closeApp(app, cfg)

	if err := app.Start(ctx); err != nil {
		return err
	}

	var id string
	if cmd.Bool("force") {
		id, err = app.Scheduler().EnqueueJob(ctx, spec)
	} else {
		var enqueued bool
		id, enqueued, err = app.Scheduler().RefreshIfStale(ctx, spec)
		if err == nil && !enqueued {
			return writeJSON(cmd.Root().Writer, map[string]any{"enqueued": false, "reason": "fresh"})
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	job, err := waitForJob(ctx, app, id, cmd.Duration("wait"))
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.Root().Writer, job); err != nil {
		return err
	}
	if job.Status == catalog.JobStatusFailed {
		return fmt.Errorf("job %s failed (%s): %s", job.ID, job.FailureClass, job.ErrorLog)
	}
	return nil
}

func staleAction(ctx context.Context, cmd *cli.Command) error {
	spec, err := specFromFlags(cmd)
	if err != nil {
		return err
	}
	app, cfg, err := buildApp(ctx, cmd, func(cfg *config.Config) {
		cfg.Refresh.Enabled = false
	})
	if err != nil {
		return err
	}
	defer closeApp(app, cfg)

	stale, last, err := app.Scheduler().IsStale(ctx, spec)
	if err != nil {
		return err
	}
	return writeJSON(cmd.Root().Writer, struct {
		Kind          catalog.Kind `json:"kind"`
		Stale         bool         `json:"stale"`
		LastScrapedAt *time.Time   `json:"last_scraped_at,omitempty"`
	}{Kind: spec.Kind, Stale: stale, LastScrapedAt: last})
}

func pruneAction(ctx context.Context, cmd *cli.Command) error {
	olderThan := cmd.Duration("older-than")
	if olderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	app, cfg, err := buildApp(ctx, cmd, func(cfg *config.Config) {
		cfg.Refresh.Enabled = false
	})
	if err != nil {
		return err
	}
	defer closeApp(app, cfg)

	cutoff := time.Now().Add(-olderThan)
	n, err := app.Scheduler().PruneJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	return writeJSON(cmd.Root().Writer, map[string]any{"pruned": n, "cutoff": cutoff.UTC()})
}

func buildApp(ctx context.Context, cmd *cli.Command, tweak func(*config.Config)) (*server.App, config.Config, error) {
	if err := config.LoadEnvFile(envPath(cmd)); err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if tweak != nil {
		tweak(&cfg)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := server.Build(ctx, cfg, logger, server.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, config.Config{}, err
	}
	return app, cfg, nil
}

// envPath returns "" for the default file so a missing .env is not an error.
func envPath(cmd *cli.Command) string {
	if !cmd.IsSet("env") {
		return ""
	}
	return cmd.String("env")
}

func closeApp(app *server.App, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := app.Close(ctx); err != nil {
		zap.L().Warn("shutdown incomplete", zap.Error(err))
	}
}

func specFromFlags(cmd *cli.Command) (catalog.JobSpec, error) {
	kind, err := catalog.ParseKind(cmd.String("kind"))
	if err != nil {
		return catalog.JobSpec{}, err
	}
	return catalog.JobSpec{
		Kind:       kind,
		TargetURL:  cmd.String("url"),
		TargetSlug: cmd.String("slug"),
		ParentSlug: cmd.String("parent"),
	}, nil
}

func waitForJob(ctx context.Context, app *server.App, id string, wait time.Duration) (catalog.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := app.Scheduler().GetJob(ctx, id)
		if err != nil {
			return catalog.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return job, fmt.Errorf("job %s still %s after %s", id, job.Status, wait)
			}
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
