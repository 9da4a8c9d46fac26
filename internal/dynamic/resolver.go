// Package dynamic resolves entities on demand: a query miss derives a key
// from the criteria, fetches that key's document synchronously and caches the
// result for a lifetime derived from the document's own expiration hints.
package dynamic

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/mdresolve/internal/cachemanager"
	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/filter"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/metrics"
	"github.com/zjrosen/mdresolve/internal/resolver"
	"github.com/zjrosen/mdresolve/internal/store"
	"github.com/zjrosen/mdresolve/internal/tracing"
)

// entry is one cached document.
type entry struct {
	key      string
	entities []*metadata.EntityDescriptor
	fetched  time.Time
	expires  time.Time
}

func (e *entry) ids() []string {
	ids := make([]string, 0, len(e.entities))
	for _, ed := range e.entities {
		if !slices.Contains(ids, ed.EntityID) {
			ids = append(ids, ed.EntityID)
		}
	}
	return ids
}

// view is the snapshot over every cached entity, valid until stale.
type view struct {
	snap  *store.Snapshot
	stale time.Time
}

type Option func(*Resolver)

// WithFilter sets the filter chain applied to every fetched document.
func WithFilter(f filter.Filter) Option {
	return func(r *Resolver) { r.filter = f }
}

func WithRegistry(reg *criteria.Registry) Option {
	return func(r *Resolver) { r.registry = reg }
}

func WithActivation(fn resolver.ActivationFunc) Option {
	return func(r *Resolver) { r.activation = fn }
}

// WithPersistentCache saves fetched documents to pc. With
// Config.InitFromPersistentCache set, Init reloads them.
func WithPersistentCache(pc PersistentCache) Option {
	return func(r *Resolver) { r.persistent = pc }
}

// WithInitPredicate limits which persisted entities Init reloads.
func WithInitPredicate(pred criteria.Predicate) Option {
	return func(r *Resolver) { r.initPredicate = pred }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// WithClock sets the clock used for validity checks and cache lifetimes.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver fetches entities per key on query misses.
type Resolver struct {
	id            string
	keys          KeyGenerator
	src           Source
	cfg           Config
	filter        filter.Filter
	registry      *criteria.Registry
	activation    resolver.ActivationFunc
	persistent    PersistentCache
	initPredicate criteria.Predicate
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time

	engine  *resolver.Engine
	entries *cachemanager.InMemoryCacheManager[string, *entry]
	misses  *cachemanager.InMemoryCacheManager[string, error]
	cache   *cachemanager.ReadThroughCache[string, *entry]

	viewMu sync.Mutex
	view   atomic.Pointer[view]
	dirty  atomic.Bool

	initialized atomic.Bool
	destroyed   atomic.Bool
}

var (
	_ resolver.Resolver  = (*Resolver)(nil)
	_ resolver.Clearable = (*Resolver)(nil)
)

// New validates cfg and builds an uninitialized resolver.
func New(id string, keys KeyGenerator, src Source, cfg Config, opts ...Option) (*Resolver, error) {
	if keys == nil {
		return nil, &resolver.ConfigError{Field: "key_generator", Reason: "is required"}
	}
	if src == nil {
		return nil, &resolver.ConfigError{Field: "source", Reason: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Resolver{
		id:     id,
		keys:   keys,
		src:    src,
		cfg:    cfg,
		tracer: tracing.Noop().Tracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.engine = resolver.NewEngine(id, resolver.QueryOptions{
		Registry:                 r.registry,
		RequireValidMetadata:     cfg.RequireValidMetadata,
		SatisfyAnyPredicates:     cfg.SatisfyAnyPredicates,
		ResolveViaPredicatesOnly: cfg.ResolveViaPredicatesOnly,
		Now:                      r.now,
	})

	r.entries = cachemanager.NewInMemoryCacheManager[string, *entry]("dynamic:"+id, cfg.MaxCacheDuration, cachemanager.DefaultCleanupInterval)
	r.entries.OnEvicted(func(key string, _ *entry) {
		log.Debug(log.CatDynamic, "cache entry evicted", "resolver", id, "key", key)
		r.dirty.Store(true)
	})
	r.cache = cachemanager.NewReadThroughCache[string, *entry](r.entries, r.load)
	if cfg.NegativeLookupCacheDuration > 0 {
		r.misses = cachemanager.NewInMemoryCacheManager[string, error]("negative:"+id, cfg.NegativeLookupCacheDuration, cachemanager.DefaultCleanupInterval)
		r.cache.WithNegativeCache(r.misses, cfg.NegativeLookupCacheDuration, func(err error) bool {
			return errors.Is(err, ErrNotFound)
		})
	}
	r.view.Store(&view{snap: store.Empty()})
	return r, nil
}

func (r *Resolver) ID() string { return r.id }

// Source names the fetch source.
func (r *Resolver) Source() string { return r.src.Name() }

// Init makes the resolver usable, reloading the persistent cache first when
// configured. Persistent cache failures are logged, not returned.
func (r *Resolver) Init(ctx context.Context) error {
	if r.destroyed.Load() {
		return resolver.ErrDestroyed
	}
	if r.persistent != nil && r.cfg.InitFromPersistentCache {
		r.loadPersistent(ctx)
	}
	r.initialized.Store(true)
	log.Info(log.CatResolver, "dynamic resolver initialized", "resolver", r.id, "source", r.src.Name(), "cached", r.entries.Count())
	return nil
}

// Destroy drops the in-memory caches. The persistent cache is kept.
func (r *Resolver) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	r.cache.Flush(context.Background())
	r.view.Store(&view{snap: store.Empty()})
	log.Info(log.CatResolver, "resolver destroyed", "resolver", r.id)
}

// Len returns the number of cached documents.
func (r *Resolver) Len() int {
	return r.entries.Count()
}

// Snapshot returns a snapshot of every cached entity.
func (r *Resolver) Snapshot() *store.Snapshot {
	return r.current()
}

func (r *Resolver) Resolve(ctx context.Context, s *criteria.Set) (iter.Seq[*metadata.EntityDescriptor], error) {
	entities, err := r.lookup(ctx, s)
	if err != nil {
		return nil, err
	}
	return slices.Values(entities), nil
}

func (r *Resolver) ResolveSingle(ctx context.Context, s *criteria.Set) (*metadata.EntityDescriptor, error) {
	entities, err := r.lookup(ctx, s)
	if err != nil || len(entities) == 0 {
		return nil, err
	}
	return entities[0], nil
}

func (r *Resolver) lookup(ctx context.Context, s *criteria.Set) ([]*metadata.EntityDescriptor, error) {
	if r.destroyed.Load() {
		return nil, resolver.ErrDestroyed
	}
	if !r.initialized.Load() {
		return nil, resolver.ErrNotInitialized
	}
	if r.activation != nil && !r.activation(ctx, s) {
		log.Debug(log.CatResolver, "resolver not active for request", "resolver", r.id)
		return nil, nil
	}

	found, err := r.engine.Lookup(ctx, r.current(), s)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		r.metrics.ObserveLookup(r.id, metrics.LookupHit)
		return found, nil
	}

	key, ok := r.keys.Key(s)
	if !ok {
		log.Debug(log.CatDynamic, "no lookup key derivable from criteria", "resolver", r.id)
		r.metrics.ObserveLookup(r.id, metrics.LookupNoKey)
		return nil, nil
	}

	e, outcome, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		if outcome == cachemanager.NegativeHit {
			log.Debug(log.CatDynamic, "negative lookup cache hit", "resolver", r.id, "key", key)
			r.metrics.ObserveLookup(r.id, metrics.LookupNegativeHit)
		} else {
			log.Debug(log.CatDynamic, "no metadata at source", "resolver", r.id, "key", key)
			r.metrics.ObserveLookup(r.id, metrics.LookupNotFound)
		}
		return nil, nil
	default:
		r.metrics.ObserveLookup(r.id, metrics.LookupError)
		return nil, fmt.Errorf("failed to resolve %s from %s: %w", key, r.src.Name(), err)
	}

	if outcome == cachemanager.Loaded {
		r.dirty.Store(true)
		r.metrics.ObserveLookup(r.id, metrics.LookupFetched)
	} else {
		r.metrics.ObserveLookup(r.id, metrics.LookupHit)
	}

	candidates := e.entities
	if id, ok := criteria.Get[criteria.EntityID](s); ok && id != "" {
		candidates = slices.DeleteFunc(slices.Clone(candidates), func(ed *metadata.EntityDescriptor) bool {
			return ed.EntityID != string(id)
		})
		if len(candidates) == 0 {
			log.Warn(log.CatDynamic, "fetched metadata does not contain the requested entity",
				"resolver", r.id, "key", key, "entityID", id, "fetched", e.ids())
		}
	}
	return r.engine.Narrow(s, candidates)
}

// load is the read-through loader: fetch, parse, filter, persist.
func (r *Resolver) load(ctx context.Context, key string) (*entry, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, tracing.SpanDynamicFetch, trace.WithAttributes(
		attribute.String(tracing.AttrResolverID, r.id),
		attribute.String(tracing.AttrSource, r.src.Name()),
		attribute.String(tracing.AttrLookupKey, key),
	))
	defer span.End()

	data, err := r.src.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			span.AddEvent(tracing.EventNegativeCached)
		} else {
			log.ErrorErr(log.CatDynamic, "error fetching metadata", err, "resolver", r.id, "key", key)
		}
		tracing.RecordError(span, err)
		return nil, 0, err
	}

	doc, entities, err := r.process(ctx, key, data)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, 0, err
	}

	now := r.now()
	ttl := r.cfg.CacheTTL(doc, now)
	fetched := now
	e := &entry{key: key, entities: entities, fetched: fetched, expires: fetched.Add(ttl)}

	log.Debug(log.CatDynamic, "cached fetched metadata", "resolver", r.id, "key", key,
		"entities", len(entities), "ttl", ttl)
	span.SetAttributes(
		attribute.Int(tracing.AttrEntityCount, len(entities)),
		attribute.String(tracing.AttrExpiration, e.expires.Format(time.RFC3339)),
	)
	tracing.RecordError(span, nil)

	if r.persistent != nil {
		rec := CacheRecord{Key: key, EntityIDs: e.ids(), Document: data, FetchedAt: fetched, ExpiresAt: e.expires}
		if err := r.persistent.Save(ctx, rec); err != nil {
			log.ErrorErr(log.CatDynamic, "failed to persist fetched metadata", err, "resolver", r.id, "key", key)
		}
	}
	return e, ttl, nil
}

// process parses data and applies the filter chain. A document with no
// entities left is reported as ErrNotFound.
func (r *Resolver) process(ctx context.Context, key string, data []byte) (metadata.Element, []*metadata.EntityDescriptor, error) {
	doc, err := metadata.Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	metadata.Release(doc)

	if r.filter != nil {
		doc, err = r.filter.Filter(ctx, doc)
		if err != nil {
			return nil, nil, err
		}
	}

	entities := metadata.Entities(doc)
	if len(entities) == 0 {
		return nil, nil, fmt.Errorf("%s: no entities in document: %w", key, ErrNotFound)
	}
	return doc, entities, nil
}

// current returns the snapshot over every cached entity, rebuilding it when
// the cache changed or an entry has expired since the last build.
func (r *Resolver) current() *store.Snapshot {
	fresh := func(v *view) bool {
		return !r.dirty.Load() && (v.stale.IsZero() || r.now().Before(v.stale))
	}
	if v := r.view.Load(); fresh(v) {
		return v.snap
	}

	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	if v := r.view.Load(); fresh(v) {
		return v.snap
	}
	r.dirty.Store(false)

	items := r.entries.Items(context.Background())
	ordered := make([]*entry, 0, len(items))
	for _, e := range items {
		ordered = append(ordered, e)
	}
	// newest first, so a re-fetched entity shadows older copies under other keys
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].fetched.Equal(ordered[j].fetched) {
			return ordered[i].fetched.After(ordered[j].fetched)
		}
		return ordered[i].key < ordered[j].key
	})

	b := store.NewBuilder(r.id, r.cfg.Indexes)
	owner := make(map[string]string)
	var stale time.Time
	for _, e := range ordered {
		for _, ed := range e.entities {
			if k, seen := owner[ed.EntityID]; seen && k != e.key {
				continue
			}
			owner[ed.EntityID] = e.key
			b.Add(ed)
		}
		if stale.IsZero() || e.expires.Before(stale) {
			stale = e.expires
		}
	}

	snap := b.Build()
	r.view.Store(&view{snap: snap, stale: stale})
	r.metrics.SetCacheSize(r.id, len(items))
	log.Debug(log.CatDynamic, "rebuilt cached entity view", "resolver", r.id, "documents", len(items), "entities", snap.Len())
	return snap
}

// Clear drops every cached and negatively cached entry, in memory and in the
// persistent cache.
func (r *Resolver) Clear() {
	ctx := context.Background()
	r.cache.Flush(ctx)
	r.dirty.Store(true)
	if r.persistent != nil {
		if err := r.persistent.Clear(ctx); err != nil {
			log.ErrorErr(log.CatDynamic, "failed to clear persistent cache", err, "resolver", r.id)
		}
	}
	log.Info(log.CatDynamic, "cleared all cached metadata", "resolver", r.id)
}

// ClearEntity drops every cached document containing id, and the negative
// cache entry for id's own lookup key.
func (r *Resolver) ClearEntity(id string) {
	ctx := context.Background()
	var keys []string
	for key, e := range r.entries.Items(ctx) {
		if slices.Contains(e.ids(), id) {
			keys = append(keys, key)
		}
	}
	if key, ok := r.keys.Key(criteria.NewSet(criteria.EntityID(id))); ok && !slices.Contains(keys, key) {
		keys = append(keys, key)
	}
	r.cache.Invalidate(ctx, keys...)
	r.dirty.Store(true)

	if r.persistent != nil {
		if err := r.persistent.DeleteEntity(ctx, id); err != nil {
			log.ErrorErr(log.CatDynamic, "failed to clear persisted entity", err, "resolver", r.id, "entityID", id)
		}
	}
	log.Info(log.CatDynamic, "cleared cached entity", "resolver", r.id, "entityID", id, "keys", len(keys))
}

func (r *Resolver) loadPersistent(ctx context.Context) {
	recs, err := r.persistent.LoadAll(ctx)
	if err != nil {
		log.ErrorErr(log.CatDynamic, "failed to load persistent cache", err, "resolver", r.id)
		return
	}

	now := r.now()
	loaded := 0
	for _, rec := range recs {
		if !rec.ExpiresAt.After(now) {
			log.Debug(log.CatDynamic, "persisted entry expired", "resolver", r.id, "key", rec.Key)
			r.deletePersisted(ctx, rec.Key)
			continue
		}
		_, entities, err := r.process(ctx, rec.Key, rec.Document)
		if err != nil {
			log.Warn(log.CatDynamic, "discarding unreadable persisted entry", "resolver", r.id, "key", rec.Key, "error", err)
			r.deletePersisted(ctx, rec.Key)
			continue
		}
		if r.initPredicate != nil {
			entities = slices.DeleteFunc(entities, func(ed *metadata.EntityDescriptor) bool {
				return !r.initPredicate(ed)
			})
			if len(entities) == 0 {
				continue
			}
		}
		r.entries.Set(ctx, rec.Key, &entry{
			key:      rec.Key,
			entities: entities,
			fetched:  rec.FetchedAt,
			expires:  rec.ExpiresAt,
		}, rec.ExpiresAt.Sub(now))
		loaded++
	}
	r.dirty.Store(true)
	log.Info(log.CatDynamic, "initialized from persistent cache", "resolver", r.id, "loaded", loaded, "stored", len(recs))
}

func (r *Resolver) deletePersisted(ctx context.Context, key string) {
	if err := r.persistent.Delete(ctx, key); err != nil {
		log.ErrorErr(log.CatDynamic, "failed to delete persisted entry", err, "resolver", r.id, "key", key)
	}
}
