package sqlite

import (
	"time"

	"github.com/zjrosen/mdresolve/internal/dynamic"
)

// EntityCacheModel represents a row of the entity_cache table.
// Timestamps are Unix seconds.
type EntityCacheModel struct {
	Resolver  string
	CacheKey  string
	Document  []byte
	FetchedAt int64
	ExpiresAt int64
	EntityIDs []string // from entity_cache_ids
}

func toEntityCacheModel(resolverID string, rec dynamic.CacheRecord) *EntityCacheModel {
	return &EntityCacheModel{
		Resolver:  resolverID,
		CacheKey:  rec.Key,
		Document:  rec.Document,
		FetchedAt: rec.FetchedAt.Unix(),
		ExpiresAt: rec.ExpiresAt.Unix(),
		EntityIDs: rec.EntityIDs,
	}
}

func (m *EntityCacheModel) toRecord() dynamic.CacheRecord {
	return dynamic.CacheRecord{
		Key:       m.CacheKey,
		EntityIDs: m.EntityIDs,
		Document:  m.Document,
		FetchedAt: time.Unix(m.FetchedAt, 0),
		ExpiresAt: time.Unix(m.ExpiresAt, 0),
	}
}
