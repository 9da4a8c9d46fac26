// Package app builds the configured resolvers and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/dynamic"
	"github.com/zjrosen/mdresolve/internal/flags"
	"github.com/zjrosen/mdresolve/internal/infrastructure/sqlite"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metrics"
	"github.com/zjrosen/mdresolve/internal/pubsub"
	"github.com/zjrosen/mdresolve/internal/resolver"
	"github.com/zjrosen/mdresolve/internal/tracing"
	"github.com/zjrosen/mdresolve/internal/watcher"
)

// DefaultResolverID names the composite over every top-level resolver when
// the configuration does not pick one.
const DefaultResolverID = "default"

// ErrUnknownResolver is returned for IDs missing from the configuration.
var ErrUnknownResolver = errors.New("unknown resolver")

// Option configures an App.
type Option func(*App)

// WithHTTPClient sets the client used by http and dynamic-http resolvers.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithMetrics records resolver metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTracing uses p for refresh and fetch spans. Close shuts p down.
func WithTracing(p *tracing.Provider) Option {
	return func(a *App) { a.tracing = p }
}

// WithoutWatch ignores the watch setting of file resolvers.
func WithoutWatch() Option {
	return func(a *App) { a.noWatch = true }
}

// App holds the resolvers built from one configuration.
type App struct {
	cfg        config.Config
	flags      *flags.Registry
	httpClient *http.Client
	metrics    *metrics.Metrics
	tracing    *tracing.Provider
	noWatch    bool

	order      []string
	resolvers  map[string]resolver.Resolver
	batches    []*resolver.Batch
	dynamics   []*dynamic.Resolver
	fallback   resolver.Resolver
	watchers   []*watcher.Watcher
	db         *sqlite.DB
	events     *pubsub.Broker[resolver.RefreshEvent]
	cancelFwd  context.CancelFunc
	forwarders sync.WaitGroup

	closeOnce sync.Once
}

// New validates cfg and builds every resolver without fetching anything.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Resolvers) == 0 {
		return nil, errors.New("no resolvers configured")
	}

	a := &App{
		cfg:       cfg,
		flags:     flags.New(cfg.Flags),
		resolvers: make(map[string]resolver.Resolver, len(cfg.Resolvers)),
		events:    pubsub.NewBroker[resolver.RefreshEvent](),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if a.tracing == nil {
		a.tracing = tracing.Noop()
	}

	if err := a.build(); err != nil {
		_ = a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	var composites []config.ResolverConfig
	for _, rc := range a.cfg.Resolvers {
		a.order = append(a.order, rc.ID)
		switch {
		case rc.Type == config.TypeComposite:
			composites = append(composites, rc)
		case rc.IsDynamic():
			d, err := a.buildDynamic(rc)
			if err != nil {
				return fmt.Errorf("resolver %s: %w", rc.ID, err)
			}
			a.dynamics = append(a.dynamics, d)
			a.resolvers[rc.ID] = d
		default:
			b, err := a.buildBatch(rc)
			if err != nil {
				return fmt.Errorf("resolver %s: %w", rc.ID, err)
			}
			a.batches = append(a.batches, b)
			a.resolvers[rc.ID] = b
		}
	}

	for _, rc := range composites {
		children := make([]resolver.Resolver, 0, len(rc.Members))
		for _, m := range rc.Members {
			children = append(children, a.resolvers[m])
		}
		c, err := resolver.NewComposite(rc.ID, children...)
		if err != nil {
			return fmt.Errorf("resolver %s: %w", rc.ID, err)
		}
		a.resolvers[rc.ID] = c
	}

	// Without a composite, queries fan out over every resolver in order.
	if len(composites) == 0 && len(a.order) > 1 && !a.flags.Enabled(flags.FlagNoImplicitComposite) {
		all := make([]resolver.Resolver, 0, len(a.order))
		for _, id := range a.order {
			all = append(all, a.resolvers[id])
		}
		c, err := resolver.NewComposite(DefaultResolverID, all...)
		if err != nil {
			return err
		}
		a.fallback = c
	}
	return nil
}

// Init initializes every batch and dynamic resolver in configuration order.
// The first fatal failure destroys everything built so far.
func (a *App) Init(ctx context.Context) error {
	for _, id := range a.order {
		var err error
		switch r := a.resolvers[id].(type) {
		case *resolver.Batch:
			err = r.Init(ctx)
		case *dynamic.Resolver:
			err = r.Init(ctx)
		}
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
	}

	// Forwarding starts after the initial loads so subscribers only see
	// refreshes that happen after Init returns.
	fwdCtx, cancel := context.WithCancel(context.Background())
	a.cancelFwd = cancel
	for _, b := range a.batches {
		a.forward(fwdCtx, b.Subscribe(fwdCtx))
	}
	log.Info(log.CatResolver, "all resolvers initialized", "count", len(a.order))
	return nil
}

// forward republishes a batch resolver's events on the app broker.
func (a *App) forward(ctx context.Context, ch <-chan pubsub.Event[resolver.RefreshEvent]) {
	a.forwarders.Add(1)
	go func() {
		defer a.forwarders.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.events.Publish(ev.Type, ev.Payload)
			}
		}
	}()
}

// Close destroys every resolver and releases watchers and the cache database.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		for _, b := range a.batches {
			b.Destroy()
		}
		for _, d := range a.dynamics {
			d.Destroy()
		}
		if a.cancelFwd != nil {
			a.cancelFwd()
		}
		a.forwarders.Wait()
		a.events.Close()
		err = a.release()
		if shutdownErr := a.tracing.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	})
	return err
}

func (a *App) release() error {
	var errs []error
	for _, w := range a.watchers {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	a.watchers = nil
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

// IDs lists the configured resolvers in order.
func (a *App) IDs() []string {
	return append([]string(nil), a.order...)
}

// Resolver returns a configured resolver. "" and DefaultResolverID, unless
// configured explicitly, return the default resolver.
func (a *App) Resolver(id string) (resolver.Resolver, error) {
	if r, ok := a.resolvers[id]; ok {
		return r, nil
	}
	if id == "" || id == DefaultResolverID {
		return a.Default(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownResolver, id)
}

// Default returns the resolver used when a query names none: the last
// composite configured, the implicit composite over every resolver, or the
// only resolver.
func (a *App) Default() resolver.Resolver {
	for i := len(a.cfg.Resolvers) - 1; i >= 0; i-- {
		if rc := a.cfg.Resolvers[i]; rc.Type == config.TypeComposite {
			return a.resolvers[rc.ID]
		}
	}
	if a.fallback != nil {
		return a.fallback
	}
	return a.resolvers[a.order[0]]
}

// Subscribe streams refresh events of every batch resolver until ctx is done.
func (a *App) Subscribe(ctx context.Context) <-chan pubsub.Event[resolver.RefreshEvent] {
	return a.events.Subscribe(ctx)
}

// Refresh refreshes one resolver synchronously.
func (a *App) Refresh(ctx context.Context, id string) error {
	r, err := a.Resolver(id)
	if err != nil {
		return err
	}
	rr, ok := r.(resolver.Refreshable)
	if !ok {
		return fmt.Errorf("resolver %s does not support refresh", r.ID())
	}
	return rr.Refresh(ctx)
}

// Clear drops cached entities of one resolver: all of them when entityID is
// empty.
func (a *App) Clear(id, entityID string) error {
	r, err := a.Resolver(id)
	if err != nil {
		return err
	}
	c, ok := r.(resolver.Clearable)
	if !ok {
		return fmt.Errorf("resolver %s does not support clear", r.ID())
	}
	if entityID == "" {
		c.Clear()
	} else {
		c.ClearEntity(entityID)
	}
	return nil
}

// Metrics returns the metrics sink, or nil.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
