package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// EntityStore keeps one record per (kind, natural key).
type EntityStore struct {
	mu      sync.RWMutex
	records map[string]catalog.StoredRecord
}

// NewEntityStore constructs an EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		records: make(map[string]catalog.StoredRecord),
	}
}

func recordKey(kind catalog.Kind, key string) string {
	return string(kind) + ":" + key
}

// UpsertByNaturalKey writes fields under key. A write older than the stored
// last_scraped_at is dropped and the stored record is returned.
func (s *EntityStore) UpsertByNaturalKey(
	_ context.Context,
	kind catalog.Kind,
	key string,
	fields catalog.Entity,
	scrapedAt time.Time,
) (catalog.StoredRecord, error) {
	if err := checkRecord(kind, key, fields); err != nil {
		return catalog.StoredRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(kind, key, fields, scrapedAt), nil
}

// UpsertMany writes every record under one lock, or none when any is invalid.
func (s *EntityStore) UpsertMany(_ context.Context, records []catalog.Entity, scrapedAt time.Time) error {
	for _, rec := range records {
		if rec == nil {
			return fmt.Errorf("upsert batch: nil record")
		}
		if err := checkRecord(rec.Kind(), rec.NaturalKey(), rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.putLocked(rec.Kind(), rec.NaturalKey(), rec, scrapedAt)
	}
	return nil
}

func checkRecord(kind catalog.Kind, key string, fields catalog.Entity) error {
	if key == "" {
		return fmt.Errorf("upsert %s: natural key is required", kind)
	}
	if fields == nil {
		return fmt.Errorf("upsert %s/%s: fields are required", kind, key)
	}
	return nil
}

func (s *EntityStore) putLocked(kind catalog.Kind, key string, fields catalog.Entity, scrapedAt time.Time) catalog.StoredRecord {
	rk := recordKey(kind, key)
	if prev, ok := s.records[rk]; ok && prev.LastScrapedAt.After(scrapedAt) {
		return prev
	}
	rec := catalog.StoredRecord{Kind: kind, Key: key, Entity: fields, LastScrapedAt: scrapedAt.UTC()}
	s.records[rk] = rec
	return rec
}

// FindStaleness returns the record's last scrape time, or nil if absent.
func (s *EntityStore) FindStaleness(_ context.Context, kind catalog.Kind, key string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(kind, key)]
	if !ok {
		return nil, nil
	}
	ts := rec.LastScrapedAt
	return &ts, nil
}

// FindListingStaleness returns the newest scrape time among kind records
// under parentKey.
func (s *EntityStore) FindListingStaleness(_ context.Context, kind catalog.Kind, parentKey string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *time.Time
	for _, rec := range s.records {
		if rec.Kind != kind || catalog.ParentKey(rec.Entity) != parentKey {
			continue
		}
		if newest == nil || rec.LastScrapedAt.After(*newest) {
			ts := rec.LastScrapedAt
			newest = &ts
		}
	}
	return newest, nil
}

// Get returns a stored record.
func (s *EntityStore) Get(_ context.Context, kind catalog.Kind, key string) (catalog.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(kind, key)]
	if !ok {
		return catalog.StoredRecord{}, fmt.Errorf("%s %s: %w", kind, key, catalog.ErrNotFound)
	}
	return rec, nil
}

// ListStale returns records of kind scraped before cutoff, oldest first.
func (s *EntityStore) ListStale(_ context.Context, kind catalog.Kind, cutoff time.Time, limit int) ([]catalog.StoredRecord, error) {
	s.mu.RLock()
	var out []catalog.StoredRecord
	for _, rec := range s.records {
		if rec.Kind == kind && rec.LastScrapedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastScrapedAt.Equal(out[j].LastScrapedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].LastScrapedAt.Before(out[j].LastScrapedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByKind returns the number of stored records of kind.
func (s *EntityStore) CountByKind(_ context.Context, kind catalog.Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.Kind == kind {
			n++
		}
	}
	return n, nil
}
