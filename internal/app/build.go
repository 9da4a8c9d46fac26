package app

import (
	"fmt"
	"net/http"

	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/dynamic"
	"github.com/zjrosen/mdresolve/internal/fetch"
	"github.com/zjrosen/mdresolve/internal/filter"
	"github.com/zjrosen/mdresolve/internal/flags"
	"github.com/zjrosen/mdresolve/internal/index"
	"github.com/zjrosen/mdresolve/internal/infrastructure/sqlite"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/resolver"
	"github.com/zjrosen/mdresolve/internal/watcher"
)

func (a *App) buildBatch(rc config.ResolverConfig) (*resolver.Batch, error) {
	cfg := batchConfig(rc)
	indexes, err := index.ByNames(rc.Indexes)
	if err != nil {
		return nil, err
	}
	cfg.Indexes = indexes

	opts := []resolver.Option{
		resolver.WithMetrics(a.metrics),
		resolver.WithTracer(a.tracing.Tracer()),
	}
	if f := buildFilter(rc.Filters); f != nil {
		opts = append(opts, resolver.WithFilter(f))
	}

	var src fetch.Strategy
	switch rc.Type {
	case config.TypeFile:
		src = fetch.NewFile(rc.Source)
		if rc.Watch && !a.noWatch {
			trigger, err := a.watch(rc.Source)
			if err != nil {
				return nil, err
			}
			opts = append(opts, resolver.WithTrigger(trigger))
		}
	case config.TypeHTTP:
		h := fetch.NewHTTP(rc.Source, a.httpOptions(rc)...)
		src = h
		if rc.BackupFile != "" {
			src = fetch.NewBackup(h, rc.BackupFile)
		}
	default:
		return nil, fmt.Errorf("unsupported batch resolver type %q", rc.Type)
	}

	return resolver.NewBatch(rc.ID, src, cfg, opts...)
}

func batchConfig(rc config.ResolverConfig) resolver.Config {
	cfg := resolver.DefaultConfig()
	if rc.Refresh.MinDelay > 0 {
		cfg.MinRefreshDelay = rc.Refresh.MinDelay
	}
	if rc.Refresh.MaxDelay > 0 {
		cfg.MaxRefreshDelay = rc.Refresh.MaxDelay
	}
	if rc.Refresh.DelayFactor > 0 {
		cfg.RefreshDelayFactor = rc.Refresh.DelayFactor
	}
	cfg.ExpirationWarningThreshold = rc.Refresh.ExpirationWarningThreshold
	cfg.RequireValidMetadata = rc.RequireValid()
	cfg.SatisfyAnyPredicates = rc.SatisfyAnyPredicates
	cfg.ResolveViaPredicatesOnly = rc.ResolveViaPredicatesOnly
	cfg.FailFastInitialization = rc.FailFast()
	return cfg
}

func (a *App) watch(path string) (<-chan struct{}, error) {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	ch, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}
	a.watchers = append(a.watchers, w)
	return ch, nil
}

func (a *App) client(rc config.ResolverConfig) *http.Client {
	if rc.Timeout <= 0 {
		return a.httpClient
	}
	c := *a.httpClient
	c.Timeout = rc.Timeout
	return &c
}

func (a *App) httpOptions(rc config.ResolverConfig) []fetch.HTTPOption {
	opts := []fetch.HTTPOption{fetch.WithClient(a.client(rc))}
	if len(rc.ContentTypes) > 0 {
		opts = append(opts, fetch.WithContentTypes(rc.ContentTypes...))
	}
	if rc.BasicAuth.Username != "" {
		opts = append(opts, fetch.WithBasicAuth(rc.BasicAuth.Username, rc.BasicAuth.Password))
	}
	if rc.UserAgent != "" {
		opts = append(opts, fetch.WithUserAgent(rc.UserAgent))
	}
	return opts
}

// buildFilter returns nil when no filter is configured.
func buildFilter(fc config.FilterConfig) filter.Filter {
	var chain filter.Chain
	if fc.RequireValidUntil {
		chain = append(chain, &filter.RequiredValidUntilFilter{MaxValidityInterval: fc.MaxValidityInterval})
	}
	if len(fc.ExcludeEntities) > 0 {
		chain = append(chain, filter.ExcludeEntities(fc.ExcludeEntities...))
	}
	if len(fc.RetainRoles) > 0 {
		chain = append(chain, filter.NewEntityRoleFilter(fc.RetainRoles...))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

func (a *App) buildDynamic(rc config.ResolverConfig) (*dynamic.Resolver, error) {
	cfg := dynamicConfig(rc)
	indexes, err := index.ByNames(rc.Indexes)
	if err != nil {
		return nil, err
	}
	cfg.Indexes = indexes

	keys, err := buildKeyGenerator(rc)
	if err != nil {
		return nil, err
	}

	var src dynamic.Source
	switch rc.Type {
	case config.TypeDynamicHTTP:
		opts := []dynamic.HTTPSourceOption{dynamic.WithHTTPClient(a.client(rc))}
		if rc.Source != "" {
			opts = append(opts, dynamic.WithBaseURL(rc.Source))
		}
		if len(rc.ContentTypes) > 0 {
			opts = append(opts, dynamic.WithSourceContentTypes(rc.ContentTypes...))
		}
		if rc.BasicAuth.Username != "" {
			opts = append(opts, dynamic.WithSourceBasicAuth(rc.BasicAuth.Username, rc.BasicAuth.Password))
		}
		if rc.UserAgent != "" {
			opts = append(opts, dynamic.WithSourceUserAgent(rc.UserAgent))
		}
		src = dynamic.NewHTTPSource(opts...)
	case config.TypeDynamicLocal:
		src = dynamic.NewLocalSource(rc.Source)
	default:
		return nil, fmt.Errorf("unsupported dynamic resolver type %q", rc.Type)
	}

	opts := []dynamic.Option{
		dynamic.WithMetrics(a.metrics),
		dynamic.WithTracer(a.tracing.Tracer()),
	}
	if f := buildFilter(rc.Filters); f != nil {
		opts = append(opts, dynamic.WithFilter(f))
	}
	if rc.Dynamic.PersistentCache && !a.flags.Enabled(flags.FlagMemoryOnlyCache) {
		db, err := a.cacheDB()
		if err != nil {
			return nil, err
		}
		opts = append(opts, dynamic.WithPersistentCache(db.EntityCacheRepository(rc.ID)))
	}

	return dynamic.New(rc.ID, keys, src, cfg, opts...)
}

func dynamicConfig(rc config.ResolverConfig) dynamic.Config {
	cfg := dynamic.DefaultConfig()
	if d := rc.Dynamic.MinCacheDuration; d > 0 {
		cfg.MinCacheDuration = d
	}
	if d := rc.Dynamic.MaxCacheDuration; d > 0 {
		cfg.MaxCacheDuration = d
	}
	if d := rc.Dynamic.NegativeLookupCacheDuration; d > 0 {
		cfg.NegativeLookupCacheDuration = d
	}
	if rc.Refresh.DelayFactor > 0 {
		cfg.RefreshDelayFactor = rc.Refresh.DelayFactor
	}
	cfg.RequireValidMetadata = rc.RequireValid()
	cfg.SatisfyAnyPredicates = rc.SatisfyAnyPredicates
	cfg.ResolveViaPredicatesOnly = rc.ResolveViaPredicatesOnly
	cfg.InitFromPersistentCache = rc.Dynamic.InitFromPersistentCache
	return cfg
}

func buildKeyGenerator(rc config.ResolverConfig) (dynamic.KeyGenerator, error) {
	kg := rc.KeyGenerator
	switch kg.Type {
	case "", config.KeyGenDigest:
		d, err := dynamic.NewEntityIDDigest(kg.Algorithm, kg.Prefix, kg.Suffix)
		if err != nil {
			return nil, err
		}
		d.UpperCase = kg.UpperCase
		return d, nil
	case config.KeyGenIdentity:
		return dynamic.Identity{}, nil
	case config.KeyGenRegex:
		return dynamic.NewRegex(kg.Pattern, kg.Replacement)
	case config.KeyGenMDQ:
		base := kg.BaseURL
		if base == "" {
			base = rc.Source
		}
		return dynamic.NewMDQ(base, nil, dynamic.ArtifactSourceID{})
	default:
		return nil, fmt.Errorf("unknown key generator %q", kg.Type)
	}
}

// cacheDB opens the shared sqlite database on first use.
func (a *App) cacheDB() (*sqlite.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sqlite.NewDB(a.cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("opening persistent cache: %w", err)
	}
	log.Info(log.CatDB, "persistent cache opened", "path", a.cfg.Cache.Path)
	a.db = db
	return db, nil
}
