// Package memory provides the in-process per-kind job queues.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// Item is a queued reference to a pending job.
type Item struct {
	JobID      string
	Kind       catalog.Kind
	EnqueuedAt time.Time
}

// Queue keeps one FIFO per kind and dequeues round-robin across kinds so a
// saturated kind cannot starve the others.
type Queue struct {
	mu     sync.Mutex
	kinds  []catalog.Kind
	queues map[catalog.Kind][]Item
	index  map[string]catalog.Kind
	cursor int
	closed bool
	ready  chan struct{}
}

// NewQueue builds queues for kinds, which also fixes the round-robin order.
func NewQueue(kinds []catalog.Kind) *Queue {
	q := &Queue{
		kinds:  append([]catalog.Kind(nil), kinds...),
		queues: make(map[catalog.Kind][]Item, len(kinds)),
		index:  make(map[string]catalog.Kind),
		ready:  make(chan struct{}, 1),
	}
	for _, k := range kinds {
		q.queues[k] = nil
	}
	return q
}

// Enqueue appends item to its kind's queue. Enqueueing a job id that is
// already queued is a no-op.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return catalog.ErrQueueClosed
	}
	if _, ok := q.queues[item.Kind]; !ok {
		return fmt.Errorf("%w: %q", catalog.ErrUnsupportedKind, item.Kind)
	}
	if _, dup := q.index[item.JobID]; dup {
		return nil
	}
	q.queues[item.Kind] = append(q.queues[item.Kind], item)
	q.index[item.JobID] = item.Kind
	q.signal()
	return nil
}

// TryDequeue picks the head of the next non-empty queue in round-robin
// order and removes it only if admit returns true. admit runs under the
// queue lock and must not call back into the queue.
func (q *Queue) TryDequeue(admit func(Item) bool) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.kinds)
	for i := 0; i < n; i++ {
		pos := (q.cursor + i) % n
		kind := q.kinds[pos]
		items := q.queues[kind]
		if len(items) == 0 {
			continue
		}
		head := items[0]
		if admit != nil && !admit(head) {
			return Item{}, false
		}
		q.queues[kind] = items[1:]
		delete(q.index, head.JobID)
		q.cursor = (pos + 1) % n
		return head, true
	}
	return Item{}, false
}

// Remove drops a queued job. It reports whether the job was queued.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	kind, ok := q.index[jobID]
	if !ok {
		return false
	}
	items := q.queues[kind]
	for i, it := range items {
		if it.JobID == jobID {
			q.queues[kind] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	delete(q.index, jobID)
	return true
}

// Contains reports whether jobID is queued.
func (q *Queue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[jobID]
	return ok
}

// Len returns the depth of kind's queue.
func (q *Queue) Len(kind catalog.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[kind])
}

// Total returns the number of queued jobs across kinds.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Ready is signaled after an enqueue.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close rejects further enqueues. Queued items remain for inspection.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
