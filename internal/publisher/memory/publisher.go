// Package memory records job outcome events in process.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []catalog.JobEvent
	notify chan struct{}
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{notify: make(chan struct{}, 1)}
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, event catalog.JobEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []catalog.JobEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]catalog.JobEvent, len(p.events))
	copy(out, p.events)
	return out
}

// ForJob returns the events recorded for one job.
func (p *Publisher) ForJob(jobID string) []catalog.JobEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []catalog.JobEvent
	for _, ev := range p.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

// Published fires after at least one Publish since the last receive.
func (p *Publisher) Published() <-chan struct{} {
	return p.notify
}
