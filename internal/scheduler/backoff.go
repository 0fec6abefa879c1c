package scheduler

import (
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

const (
	defaultBackoffBase         = 2 * time.Second
	defaultBackoffMax          = 5 * time.Minute
	defaultRateLimitMultiplier = 4
)

// Backoff returns the delay before retry number retryCount+1:
// base*2^retryCount, amplified for rate limiting, capped at max.
func Backoff(cfg Config, class catalog.FailureClass, retryCount int) time.Duration {
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	limit := cfg.BackoffMax
	if limit <= 0 {
		limit = defaultBackoffMax
	}
	delay := base
	for i := 0; i < retryCount && delay < limit; i++ {
		delay *= 2
	}
	if class == catalog.ClassRateLimited {
		mult := cfg.RateLimitMultiplier
		if mult < defaultRateLimitMultiplier {
			mult = defaultRateLimitMultiplier
		}
		delay *= time.Duration(mult)
	}
	if delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}
