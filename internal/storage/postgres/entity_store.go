package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// EntityStore persists catalog records as JSONB keyed by (kind, natural_key).
type EntityStore struct {
	db    querier
	table string
}

// NewEntityStoreWithPool constructs a store over an existing pool.
func NewEntityStoreWithPool(db querier, table string) (*EntityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultEntitiesTable)
	if err != nil {
		return nil, err
	}
	return &EntityStore{db: db, table: name}, nil
}

// UpsertByNaturalKey inserts or replaces the record. A write older than the
// stored last_scraped_at is dropped and the stored record is returned.
func (s *EntityStore) UpsertByNaturalKey(
	ctx context.Context,
	kind catalog.Kind,
	key string,
	fields catalog.Entity,
	scrapedAt time.Time,
) (catalog.StoredRecord, error) {
	stored, applied, err := s.upsert(ctx, s.db, kind, key, fields, scrapedAt)
	if err != nil {
		return catalog.StoredRecord{}, err
	}
	if !applied {
		return s.Get(ctx, kind, key)
	}
	return catalog.StoredRecord{Kind: kind, Key: key, Entity: fields, LastScrapedAt: stored}, nil
}

// UpsertMany writes every record in one transaction.
func (s *EntityStore) UpsertMany(ctx context.Context, records []catalog.Entity, scrapedAt time.Time) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert batch: %w", err)
	}
	for _, rec := range records {
		if _, _, err := s.upsert(ctx, tx, rec.Kind(), rec.NaturalKey(), rec, scrapedAt); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert batch: %w", err)
	}
	return nil
}

// upsert reports applied=false when the stored row is newer than scrapedAt.
func (s *EntityStore) upsert(
	ctx context.Context,
	q rowQuerier,
	kind catalog.Kind,
	key string,
	fields catalog.Entity,
	scrapedAt time.Time,
) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, fmt.Errorf("upsert %s: natural key is required", kind)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (kind, natural_key, parent_key, payload, last_scraped_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (kind, natural_key) DO UPDATE
SET payload = EXCLUDED.payload,
	parent_key = EXCLUDED.parent_key,
	last_scraped_at = EXCLUDED.last_scraped_at
WHERE EXCLUDED.last_scraped_at >= %[1]s.last_scraped_at
RETURNING last_scraped_at`, s.table)

	var stored time.Time
	err = q.QueryRow(ctx, query, string(kind), key, catalog.ParentKey(fields), payload, scrapedAt.UTC()).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("upsert %s/%s: %w", kind, key, err)
	}
	return stored.UTC(), true, nil
}

// FindStaleness returns the last scrape time, or nil when absent.
func (s *EntityStore) FindStaleness(ctx context.Context, kind catalog.Kind, key string) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT last_scraped_at FROM %s WHERE kind = $1 AND natural_key = $2`, s.table)
	var ts time.Time
	err := s.db.QueryRow(ctx, query, string(kind), key).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find staleness %s/%s: %w", kind, key, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// FindListingStaleness returns the newest scrape time among kind records
// under parentKey.
func (s *EntityStore) FindListingStaleness(ctx context.Context, kind catalog.Kind, parentKey string) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(last_scraped_at) FROM %s WHERE kind = $1 AND parent_key = $2`, s.table)
	var ts *time.Time
	if err := s.db.QueryRow(ctx, query, string(kind), parentKey).Scan(&ts); err != nil {
		return nil, fmt.Errorf("find listing staleness %s/%s: %w", kind, parentKey, err)
	}
	if ts != nil {
		utc := ts.UTC()
		ts = &utc
	}
	return ts, nil
}

// Get loads one record.
func (s *EntityStore) Get(ctx context.Context, kind catalog.Kind, key string) (catalog.StoredRecord, error) {
	query := fmt.Sprintf(`SELECT payload, last_scraped_at FROM %s WHERE kind = $1 AND natural_key = $2`, s.table)
	var (
		payload []byte
		ts      time.Time
	)
	err := s.db.QueryRow(ctx, query, string(kind), key).Scan(&payload, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.StoredRecord{}, fmt.Errorf("%s %s: %w", kind, key, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.StoredRecord{}, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	entity, err := catalog.DecodeEntity(kind, payload)
	if err != nil {
		return catalog.StoredRecord{}, err
	}
	return catalog.StoredRecord{Kind: kind, Key: key, Entity: entity, LastScrapedAt: ts.UTC()}, nil
}

// ListStale returns records scraped before cutoff, oldest first.
func (s *EntityStore) ListStale(ctx context.Context, kind catalog.Kind, cutoff time.Time, limit int) ([]catalog.StoredRecord, error) {
	query := fmt.Sprintf(`SELECT natural_key, payload, last_scraped_at FROM %s
WHERE kind = $1 AND last_scraped_at < $2
ORDER BY last_scraped_at ASC, natural_key ASC`, s.table)
	args := []any{string(kind), cutoff}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale %s: %w", kind, err)
	}
	defer rows.Close()

	var out []catalog.StoredRecord
	for rows.Next() {
		var (
			key     string
			payload []byte
			ts      time.Time
		)
		if err := rows.Scan(&key, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", kind, err)
		}
		entity, err := catalog.DecodeEntity(kind, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, catalog.StoredRecord{Kind: kind, Key: key, Entity: entity, LastScrapedAt: ts.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale %s: %w", kind, err)
	}
	return out, nil
}

// CountByKind counts stored records of kind.
func (s *EntityStore) CountByKind(ctx context.Context, kind catalog.Kind) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE kind = $1`, s.table)
	var n int
	if err := s.db.QueryRow(ctx, query, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}
