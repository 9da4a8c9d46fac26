package dynamic

import (
	"context"
	"time"
)

// CacheRecord is one fetched document as kept by a PersistentCache.
type CacheRecord struct {
	Key       string
	EntityIDs []string
	Document  []byte
	FetchedAt time.Time
	ExpiresAt time.Time
}

// PersistentCache stores fetched documents across restarts. Implementations
// are scoped to one resolver.
type PersistentCache interface {
	Save(ctx context.Context, rec CacheRecord) error
	LoadAll(ctx context.Context) ([]CacheRecord, error)
	Delete(ctx context.Context, key string) error
	DeleteEntity(ctx context.Context, entityID string) error
	Clear(ctx context.Context) error
}
