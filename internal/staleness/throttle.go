package staleness

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// DefaultCheckHorizon bounds how often the same key is re-checked.
const DefaultCheckHorizon = time.Hour

// MemoryThrottle is an in-process CheckThrottle.
type MemoryThrottle struct {
	mu      sync.Mutex
	horizon time.Duration
	clock   catalog.Clock
	checked map[string]time.Time
}

// NewMemoryThrottle builds a throttle with the given horizon.
func NewMemoryThrottle(horizon time.Duration, clock catalog.Clock) *MemoryThrottle {
	if horizon <= 0 {
		horizon = DefaultCheckHorizon
	}
	return &MemoryThrottle{
		horizon: horizon,
		clock:   clock,
		checked: make(map[string]time.Time),
	}
}

// Allow implements catalog.CheckThrottle.
func (t *MemoryThrottle) Allow(_ context.Context, key string) (bool, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.checked[key]; ok && now.Sub(last) < t.horizon {
		return false, nil
	}
	t.checked[key] = now
	t.evict(now)
	return true, nil
}

func (t *MemoryThrottle) evict(now time.Time) {
	if len(t.checked) < 4096 {
		return
	}
	for key, at := range t.checked {
		if now.Sub(at) >= t.horizon {
			delete(t.checked, key)
		}
	}
}

// CheckKey formats the throttle key for a (kind, natural key) pair.
func CheckKey(kind catalog.Kind, key string) string {
	return string(kind) + ":" + key
}
