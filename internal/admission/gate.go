// Package admission decides whether another job may start, combining a
// concurrency cap with an aggregate request-rate bucket.
package admission

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/metrics"
)

// Config bounds admissions.
type Config struct {
	MaxConcurrency    int
	MaxRequestsPerMin int
	BurstLimit        int
	BurstWindow       time.Duration
}

// Gate is safe for concurrent use.
type Gate struct {
	maxInFlight int64
	inFlight    atomic.Int64
	limiter     *rate.Limiter
	clock       catalog.Clock
}

// New builds a Gate. The bucket refills MaxRequestsPerMin tokens per
// BurstWindow and holds at most BurstLimit, so any window of that length
// admits no more than MaxRequestsPerMin+BurstLimit jobs.
func New(cfg Config, clock catalog.Clock) (*Gate, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, errors.New("max concurrency must be > 0")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	window := cfg.BurstWindow
	if window <= 0 {
		window = time.Minute
	}
	limit := rate.Inf
	if cfg.MaxRequestsPerMin > 0 {
		limit = rate.Limit(float64(cfg.MaxRequestsPerMin) / window.Seconds())
	}
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = 1
	}
	return &Gate{
		maxInFlight: int64(cfg.MaxConcurrency),
		limiter:     rate.NewLimiter(limit, burst),
		clock:       clock,
	}, nil
}

// TryAdmit claims a concurrency slot and a rate token. It never blocks;
// false leaves the gate unchanged.
func (g *Gate) TryAdmit() bool {
	for {
		current := g.inFlight.Load()
		if current >= g.maxInFlight {
			metrics.ObserveAdmissionDenied("concurrency")
			return false
		}
		if g.inFlight.CompareAndSwap(current, current+1) {
			break
		}
	}
	if !g.limiter.AllowN(g.clock.Now(), 1) {
		g.inFlight.Add(-1)
		metrics.ObserveAdmissionDenied("rate")
		return false
	}
	return true
}

// Release frees a slot claimed by TryAdmit. Rate tokens are not returned.
func (g *Gate) Release() {
	if g.inFlight.Add(-1) < 0 {
		g.inFlight.Store(0)
	}
}

// InFlight returns the number of admitted, unreleased jobs.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// NextTokenIn estimates how long until a rate token is available.
func (g *Gate) NextTokenIn() time.Duration {
	now := g.clock.Now()
	r := g.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}
