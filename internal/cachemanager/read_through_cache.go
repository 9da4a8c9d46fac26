package cachemanager

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for key and reports how long it may be cached.
type Loader[K ~string, V any] func(ctx context.Context, key K) (V, time.Duration, error)

// Outcome describes how ReadThroughCache.Get produced its result.
type Outcome int

const (
	Hit Outcome = iota
	Loaded
	NegativeHit
)

// ReadThroughCache serves values from cache and loads misses at most once per
// key at a time. Concurrent misses on one key share a single load.
type ReadThroughCache[K ~string, V any] struct {
	cache CacheManager[K, V]
	load  Loader[K, V]
	group singleflight.Group

	misses      CacheManager[K, error]
	negativeTTL time.Duration
	isNegative  func(error) bool
}

func NewReadThroughCache[K ~string, V any](cache CacheManager[K, V], load Loader[K, V]) *ReadThroughCache[K, V] {
	return &ReadThroughCache[K, V]{
		cache: cache,
		load:  load,
	}
}

// WithNegativeCache remembers load errors accepted by match for ttl, so
// repeated lookups of a missing key return the cached error without loading.
func (r *ReadThroughCache[K, V]) WithNegativeCache(misses CacheManager[K, error], ttl time.Duration, match func(error) bool) *ReadThroughCache[K, V] {
	r.misses = misses
	r.negativeTTL = ttl
	r.isNegative = match
	return r
}

func (r *ReadThroughCache[K, V]) Get(ctx context.Context, key K) (V, Outcome, error) {
	var zero V

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, Hit, nil
	}
	if r.misses != nil {
		if err, ok := r.misses.Get(ctx, key); ok {
			return zero, NegativeHit, err
		}
	}

	// The shared load must outlive any single caller: a waiter whose context
	// is cancelled returns early while the others keep waiting on the load.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(string(key), func() (any, error) {
		if value, ok := r.cache.Get(loadCtx, key); ok {
			return value, nil
		}
		value, ttl, err := r.load(loadCtx, key)
		if err != nil {
			if r.misses != nil && r.isNegative != nil && r.isNegative(err) {
				r.misses.Set(loadCtx, key, err, r.negativeTTL)
			}
			return zero, err
		}
		r.cache.Set(loadCtx, key, value, ttl)
		if r.misses != nil {
			_ = r.misses.Delete(loadCtx, key)
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return zero, Loaded, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, Loaded, res.Err
		}
		value, _ := res.Val.(V)
		return value, Loaded, nil
	}
}

// Invalidate drops key from both the value and negative caches.
func (r *ReadThroughCache[K, V]) Invalidate(ctx context.Context, keys ...K) {
	_ = r.cache.Delete(ctx, keys...)
	if r.misses != nil {
		_ = r.misses.Delete(ctx, keys...)
	}
}

// Flush empties both caches.
func (r *ReadThroughCache[K, V]) Flush(ctx context.Context) {
	_ = r.cache.Flush(ctx)
	if r.misses != nil {
		_ = r.misses.Flush(ctx)
	}
}
