// Package fetcher bounds and reuses browser-automation sessions. The pool
// size is the hard cap on simultaneous sessions the source site can see.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Pool hands out at most size sessions at a time, creating them lazily and
// keeping released sessions for reuse.
type Pool struct {
	factory catalog.SessionFactory
	slots   chan struct{}
	inUse   atomic.Int64

	mu     sync.Mutex
	idle   []catalog.Session
	closed bool
}

// NewPool builds a pool over factory.
func NewPool(factory catalog.SessionFactory, size int) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	return &Pool{
		factory: factory,
		slots:   make(chan struct{}, size),
	}, nil
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// InUse returns the number of outstanding leases.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Acquire waits for a free slot and returns a lease on a session. The
// caller must Release the lease on every path.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("session slot wait canceled: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	var session catalog.Session
	if n := len(p.idle); n > 0 {
		session = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if session == nil {
		created, err := p.factory.NewSession(ctx)
		if err != nil {
			<-p.slots
			return nil, fmt.Errorf("create session: %w", err)
		}
		session = created
	}
	p.inUse.Add(1)
	return &Lease{pool: p, session: session}, nil
}

func (p *Pool) put(session catalog.Session, discard bool) {
	p.mu.Lock()
	if discard || p.closed {
		p.mu.Unlock()
		_ = session.Close()
	} else {
		p.idle = append(p.idle, session)
		p.mu.Unlock()
	}
	p.inUse.Add(-1)
	<-p.slots
}

// Close closes idle sessions and the factory. Outstanding leases close
// their sessions on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.factory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Lease is scoped ownership of one pooled session.
type Lease struct {
	pool    *Pool
	session catalog.Session
	discard atomic.Bool
	once    sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() catalog.Session {
	return l.session
}

// Discard marks the session as unusable; Release will close it instead
// of returning it to the pool.
func (l *Lease) Discard() {
	l.discard.Store(true)
}

// Release returns the session. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.put(l.session, l.discard.Load())
	})
}
