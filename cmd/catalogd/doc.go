// Package main hosts the catalog refresher entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics, and job endpoints. Submissions are
//     validated into catalog.JobSpec values and handed to the scheduler, either unconditionally or only when
//     the stored data is stale.
//   - Scheduler: jobs are persisted before they are queued per kind. A dispatch loop admits them under the
//     admission gate (a concurrency bound plus a rolling request budget) and runs them on workers. Transient
//     failures back off exponentially; fatal ones fail at once.
//   - Fetch pipeline: workers lease a browser session from a bounded pool (chromedp or colly), load the page,
//     archive a snapshot when a blob store is configured, and hand the HTML to the extraction strategy
//     registered for the job's kind.
//   - Persistence: jobs and records live in memory, Postgres, or SQLite. Records are upserted by natural key and
//     last_scraped_at never moves backwards. Completed and failed jobs are optionally published to Pub/Sub.
//   - Refresh: a sweeper walks stale records on an interval and asks the scheduler to refresh the
//     page each one came from. Repeat checks of the same key are throttled in memory or in Redis.
//
// Quick checklist:
//   - Configure via a YAML file (--config), a dotenv file (--env), or CATALOG_* variables. The bare names older
//     deployments used (MAX_CONCURRENCY, NAVIGATION_TTL_HOURS, ...) are still honored.
//   - Run locally: go run ./cmd/catalogd serve --config config.yaml
//   - One-off scrape: go run ./cmd/catalogd scrape --kind navigation --url https://www.worldofbooks.com/en-gb
package main
