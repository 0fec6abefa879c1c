package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// EntityStore persists catalog records with JSON payloads.
type EntityStore struct {
	db *sql.DB
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertByNaturalKey implements catalog.EntityStore. Timestamps share one
// fixed-width text layout, so the text comparison orders them in time.
func (s *EntityStore) UpsertByNaturalKey(
	ctx context.Context,
	kind catalog.Kind,
	key string,
	fields catalog.Entity,
	scrapedAt time.Time,
) (catalog.StoredRecord, error) {
	last, applied, err := upsert(ctx, s.db, kind, key, fields, scrapedAt)
	if err != nil {
		return catalog.StoredRecord{}, err
	}
	if !applied {
		return s.Get(ctx, kind, key)
	}
	return catalog.StoredRecord{Kind: kind, Key: key, Entity: fields, LastScrapedAt: last}, nil
}

// UpsertMany implements catalog.EntityStore in one transaction.
func (s *EntityStore) UpsertMany(ctx context.Context, records []catalog.Entity, scrapedAt time.Time) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert batch: %w", err)
	}
	for _, rec := range records {
		if _, _, err := upsert(ctx, tx, rec.Kind(), rec.NaturalKey(), rec, scrapedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert batch: %w", err)
	}
	return nil
}

// upsert reports applied=false when the stored row is newer than scrapedAt.
func upsert(
	ctx context.Context,
	q rowQuerier,
	kind catalog.Kind,
	key string,
	fields catalog.Entity,
	scrapedAt time.Time,
) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, fmt.Errorf("upsert %s: empty natural key", kind)
	}
	if fields == nil {
		return time.Time{}, false, fmt.Errorf("upsert %s/%s: nil fields", kind, key)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("encode %s/%s: %w", kind, key, err)
	}
	var stored string
	err = q.QueryRowContext(ctx, `
INSERT INTO catalog_records (kind, natural_key, parent_key, payload, last_scraped_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (kind, natural_key) DO UPDATE SET
	payload = excluded.payload,
	parent_key = excluded.parent_key,
	last_scraped_at = excluded.last_scraped_at
WHERE excluded.last_scraped_at >= catalog_records.last_scraped_at
RETURNING last_scraped_at`,
		string(kind), key, catalog.ParentKey(fields), string(payload), formatTime(scrapedAt),
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("upsert %s/%s: %w", kind, key, err)
	}
	last, err := time.Parse(timeLayout, stored)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_scraped_at: %w", err)
	}
	return last, true, nil
}

// FindStaleness implements catalog.EntityStore.
func (s *EntityStore) FindStaleness(ctx context.Context, kind catalog.Kind, key string) (*time.Time, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_scraped_at FROM catalog_records WHERE kind = ? AND natural_key = ?`,
		string(kind), key,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find staleness %s/%s: %w", kind, key, err)
	}
	return parseNullTime(sql.NullString{String: stored, Valid: true})
}

// FindListingStaleness implements catalog.EntityStore.
func (s *EntityStore) FindListingStaleness(ctx context.Context, kind catalog.Kind, parentKey string) (*time.Time, error) {
	var newest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_scraped_at) FROM catalog_records WHERE kind = ? AND parent_key = ?`,
		string(kind), parentKey,
	).Scan(&newest)
	if err != nil {
		return nil, fmt.Errorf("find listing staleness %s/%s: %w", kind, parentKey, err)
	}
	return parseNullTime(newest)
}

// Get implements catalog.EntityStore.
func (s *EntityStore) Get(ctx context.Context, kind catalog.Kind, key string) (catalog.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, natural_key, payload, last_scraped_at FROM catalog_records WHERE kind = ? AND natural_key = ?`,
		string(kind), key,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.StoredRecord{}, fmt.Errorf("record %s/%s: %w", kind, key, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.StoredRecord{}, fmt.Errorf("get record %s/%s: %w", kind, key, err)
	}
	return rec, nil
}

// ListStale implements catalog.EntityStore.
func (s *EntityStore) ListStale(ctx context.Context, kind catalog.Kind, cutoff time.Time, limit int) ([]catalog.StoredRecord, error) {
	query := `SELECT kind, natural_key, payload, last_scraped_at FROM catalog_records
WHERE kind = ? AND last_scraped_at < ? ORDER BY last_scraped_at ASC, natural_key ASC`
	args := []any{string(kind), formatTime(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale %s: %w", kind, err)
	}
	defer rows.Close()
	var out []catalog.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale %s: %w", kind, err)
	}
	return out, nil
}

// CountByKind implements catalog.EntityStore.
func (s *EntityStore) CountByKind(ctx context.Context, kind catalog.Kind) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_records WHERE kind = ?`, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

func scanRecord(row scanner) (catalog.StoredRecord, error) {
	var kind, key, payload, scraped string
	if err := row.Scan(&kind, &key, &payload, &scraped); err != nil {
		return catalog.StoredRecord{}, err
	}
	entity, err := catalog.DecodeEntity(catalog.Kind(kind), []byte(payload))
	if err != nil {
		return catalog.StoredRecord{}, err
	}
	last, err := time.Parse(timeLayout, scraped)
	if err != nil {
		return catalog.StoredRecord{}, fmt.Errorf("parse last_scraped_at: %w", err)
	}
	return catalog.StoredRecord{Kind: catalog.Kind(kind), Key: key, Entity: entity, LastScrapedAt: last}, nil
}
