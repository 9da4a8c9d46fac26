package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zjrosen/mdresolve/internal/dynamic"
)

// entityCacheRepository implements dynamic.PersistentCache for one resolver.
type entityCacheRepository struct {
	db       *sql.DB
	resolver string
}

func newEntityCacheRepository(db *sql.DB, resolverID string) *entityCacheRepository {
	return &entityCacheRepository{db: db, resolver: resolverID}
}

// Ensure entityCacheRepository implements dynamic.PersistentCache.
var _ dynamic.PersistentCache = (*entityCacheRepository)(nil)

// Save inserts or replaces the record stored under rec.Key.
func (r *entityCacheRepository) Save(ctx context.Context, rec dynamic.CacheRecord) error {
	m := toEntityCacheModel(r.resolver, rec)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entity_cache (resolver, cache_key, document, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resolver, cache_key) DO UPDATE SET
			document = excluded.document,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		m.Resolver, m.CacheKey, m.Document, m.FetchedAt, m.ExpiresAt,
	); err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_cache_ids WHERE resolver = ? AND cache_key = ?`,
		m.Resolver, m.CacheKey,
	); err != nil {
		return fmt.Errorf("failed to clear entity ids: %w", err)
	}
	for _, id := range m.EntityIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_cache_ids (resolver, cache_key, entity_id) VALUES (?, ?, ?)`,
			m.Resolver, m.CacheKey, id,
		); err != nil {
			return fmt.Errorf("failed to insert entity id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// LoadAll returns every record of the resolver, oldest fetch first.
func (r *entityCacheRepository) LoadAll(ctx context.Context) ([]dynamic.CacheRecord, error) {
	ids, err := r.entityIDs(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT resolver, cache_key, document, fetched_at, expires_at
		FROM entity_cache WHERE resolver = ? ORDER BY fetched_at, cache_key`,
		r.resolver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []dynamic.CacheRecord
	for rows.Next() {
		var m EntityCacheModel
		if err := rows.Scan(&m.Resolver, &m.CacheKey, &m.Document, &m.FetchedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		m.EntityIDs = ids[m.CacheKey]
		recs = append(recs, m.toRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache entries: %w", err)
	}
	return recs, nil
}

func (r *entityCacheRepository) entityIDs(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cache_key, entity_id FROM entity_cache_ids WHERE resolver = ? ORDER BY cache_key, entity_id`,
		r.resolver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string][]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids[key] = append(ids[key], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity ids: %w", err)
	}
	return ids, nil
}

// Delete removes the record stored under key.
func (r *entityCacheRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM entity_cache WHERE resolver = ? AND cache_key = ?`,
		r.resolver, key,
	); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteEntity removes every record containing entityID.
func (r *entityCacheRepository) DeleteEntity(ctx context.Context, entityID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM entity_cache WHERE resolver = ? AND cache_key IN (
			SELECT cache_key FROM entity_cache_ids WHERE resolver = ? AND entity_id = ?
		)`,
		r.resolver, r.resolver, entityID,
	); err != nil {
		return fmt.Errorf("failed to delete cached entity: %w", err)
	}
	return nil
}

// Clear removes every record of the resolver.
func (r *entityCacheRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entity_cache WHERE resolver = ?`, r.resolver); err != nil {
		return fmt.Errorf("failed to clear cache entries: %w", err)
	}
	return nil
}
