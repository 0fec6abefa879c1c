package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "catalogd: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "catalogd",
		Usage: "Scrape and refresh a web book catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("CATALOG_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to a dotenv file",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, the scheduler and the refresh sweeper",
				Action: serveAction,
			},
			{
				Name:  "scrape",
				Usage: "run one job to completion and print it",
				Flags: append(specFlags(),
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "how long to wait for the job to finish",
						Value: 5 * time.Minute,
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "scrape even when the stored data is fresh",
						Value: true,
					},
				),
				Action: scrapeAction,
			},
			{
				Name:   "stale",
				Usage:  "report whether the data a job would refresh is stale",
				Flags:  specFlags(),
				Action: staleAction,
			},
			{
				Name:  "prune",
				Usage: "delete finished jobs older than a cutoff",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "age of the newest finished job to delete",
						Value: 30 * 24 * time.Hour,
					},
				},
				Action: pruneAction,
			},
		},
	}
}

func specFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "kind",
			Usage:    "navigation, categories, products, product_detail or reviews",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "url",
			Usage:    "page to scrape",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "slug",
			Usage: "target slug or product source id",
		},
		&cli.StringFlag{
			Name:  "parent",
			Usage: "parent navigation slug for products jobs",
		},
	}
}
