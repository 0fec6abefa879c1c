// Package catalog defines the domain model shared by the catalog refresh
// pipeline: job records and their lifecycle, the scraped entity kinds, the
// failure taxonomy, and the ports implemented by storage, fetch, and
// extraction adapters.
package catalog
