// Package staleness decides when a scraped record needs refreshing.
package staleness

import (
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// TTLs maps each kind to the age after which its records are stale.
type TTLs map[catalog.Kind]time.Duration

// DefaultTTLs returns the stock freshness table.
func DefaultTTLs() TTLs {
	return TTLs{
		catalog.KindNavigation:    24 * time.Hour,
		catalog.KindCategories:    24 * time.Hour,
		catalog.KindProducts:      12 * time.Hour,
		catalog.KindProductDetail: 6 * time.Hour,
		catalog.KindReviews:       6 * time.Hour,
	}
}

// Oracle is a pure staleness predicate over a TTL table.
type Oracle struct {
	ttls TTLs
}

// NewOracle copies ttls, filling missing kinds from DefaultTTLs.
func NewOracle(ttls TTLs) *Oracle {
	merged := DefaultTTLs()
	for kind, ttl := range ttls {
		if ttl > 0 {
			merged[kind] = ttl
		}
	}
	return &Oracle{ttls: merged}
}

// TTL returns the configured TTL for kind and whether one exists.
func (o *Oracle) TTL(kind catalog.Kind) (time.Duration, bool) {
	ttl, ok := o.ttls[kind]
	return ttl, ok
}

// IsStale reports whether a record last scraped at lastScrapedAt is stale at
// now. A missing timestamp or an unknown kind is always stale.
func (o *Oracle) IsStale(kind catalog.Kind, lastScrapedAt *time.Time, now time.Time) bool {
	if lastScrapedAt == nil {
		return true
	}
	ttl, ok := o.ttls[kind]
	if !ok {
		return true
	}
	return now.Sub(*lastScrapedAt) > ttl
}

// Cutoff returns the timestamp before which records of kind are stale at now.
func (o *Oracle) Cutoff(kind catalog.Kind, now time.Time) time.Time {
	ttl, ok := o.ttls[kind]
	if !ok {
		return now
	}
	return now.Add(-ttl)
}
