package resolver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/fetch"
	"github.com/zjrosen/mdresolve/internal/filter"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/metrics"
	"github.com/zjrosen/mdresolve/internal/pubsub"
	"github.com/zjrosen/mdresolve/internal/store"
	"github.com/zjrosen/mdresolve/internal/tracing"
)

// PostProcessHook inspects a processed snapshot before it becomes current.
// Returning an error discards the snapshot and fails the refresh.
type PostProcessHook func(ctx context.Context, raw []byte, snap *store.Snapshot) error

// RefreshEvent is published once per refresh cycle.
type RefreshEvent struct {
	Resolver    string
	CycleID     string
	Source      string
	Entities    int
	Added       []string
	Removed     []string
	NextRefresh time.Time
	Err         error
}

// Option configures a Batch resolver.
type Option func(*Batch)

// WithFilter sets the filter chain applied to every new document.
func WithFilter(f filter.Filter) Option {
	return func(b *Batch) { b.filter = f }
}

// WithPostProcess sets the hook run before a new snapshot is adopted.
func WithPostProcess(hook PostProcessHook) Option {
	return func(b *Batch) { b.hook = hook }
}

// WithRegistry sets the predicate registry used by queries.
func WithRegistry(r *criteria.Registry) Option {
	return func(b *Batch) { b.registry = r }
}

// WithActivation sets the per-call activation condition.
func WithActivation(fn ActivationFunc) Option {
	return func(b *Batch) { b.activation = fn }
}

// WithRetainFiltered keeps the filtered document on the snapshot.
func WithRetainFiltered(retain bool) Option {
	return func(b *Batch) { b.retainFiltered = retain }
}

// WithMetrics records refresh outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Batch) { b.metrics = m }
}

// WithTracer records a span per refresh cycle.
func WithTracer(t trace.Tracer) Option {
	return func(b *Batch) { b.tracer = t }
}

// WithTrigger refreshes immediately whenever ch receives.
func WithTrigger(ch <-chan struct{}) Option {
	return func(b *Batch) { b.trigger = ch }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Batch) { b.now = now }
}

// Batch serves a whole document fetched by a fetch.Strategy and refreshes it
// on an adaptive schedule.
type Batch struct {
	id             string
	src            fetch.Strategy
	cfg            Config
	filter         filter.Filter
	hook           PostProcessHook
	registry       *criteria.Registry
	activation     ActivationFunc
	retainFiltered bool
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	trigger        <-chan struct{}
	now            func() time.Time

	engine   *Engine
	snapshot atomic.Pointer[store.Snapshot]
	sched    *scheduler
	events   *pubsub.Broker[RefreshEvent]

	started     atomic.Bool
	initialized atomic.Bool
	destroyed   atomic.Bool

	mu      sync.Mutex // serialises refresh cycles
	stateMu sync.RWMutex
	state   Status
}

// NewBatch validates cfg and builds an uninitialized resolver.
func NewBatch(id string, src fetch.Strategy, cfg Config, opts ...Option) (*Batch, error) {
	if src == nil {
		return nil, &ConfigError{Field: "source", Reason: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Batch{
		id:     id,
		src:    src,
		cfg:    cfg,
		tracer: tracing.Noop().Tracer(),
		now:    time.Now,
		events: pubsub.NewBroker[RefreshEvent](),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.engine = NewEngine(id, QueryOptions{
		Registry:                 b.registry,
		RequireValidMetadata:     cfg.RequireValidMetadata,
		SatisfyAnyPredicates:     cfg.SatisfyAnyPredicates,
		ResolveViaPredicatesOnly: cfg.ResolveViaPredicatesOnly,
		Activation:               b.activation,
		Now:                      b.now,
	})
	b.snapshot.Store(store.Empty())
	b.sched = newScheduler(func(ctx context.Context) {
		// Background failures are already logged and recorded in Status.
		_ = b.refresh(ctx)
	}, b.trigger)
	return b, nil
}

func (b *Batch) ID() string { return b.id }

// Source describes the fetch strategy.
func (b *Batch) Source() string { return b.src.Source() }

// Init performs the first refresh synchronously and starts the scheduler.
// A failed first refresh is fatal when FailFastInitialization is set.
func (b *Batch) Init(ctx context.Context) error {
	if b.destroyed.Load() {
		return ErrDestroyed
	}
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	b.sched.start()
	if err := b.refresh(ctx); err != nil {
		if b.cfg.FailFastInitialization {
			b.Destroy()
			return fmt.Errorf("failed to initialize resolver %s: %w", b.id, err)
		}
		log.Warn(log.CatResolver, "initial refresh failed, continuing with empty snapshot",
			"resolver", b.id, "error", err)
	}
	b.initialized.Store(true)
	log.Info(log.CatResolver, "resolver initialized", "resolver", b.id, "entities", b.Snapshot().Len())
	return nil
}

// Destroy cancels the pending refresh and stops the scheduler. An in-flight
// refresh completes first.
func (b *Batch) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.sched.close()
	b.events.Close()
	log.Info(log.CatResolver, "resolver destroyed", "resolver", b.id)
}

// Snapshot returns the current snapshot.
func (b *Batch) Snapshot() *store.Snapshot {
	return b.snapshot.Load()
}

// Status returns a copy of the refresh history.
func (b *Batch) Status() Status {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// Subscribe streams one RefreshEvent per cycle until ctx is done.
func (b *Batch) Subscribe(ctx context.Context) <-chan pubsub.Event[RefreshEvent] {
	return b.events.Subscribe(ctx)
}

func (b *Batch) Resolve(ctx context.Context, s *criteria.Set) (iter.Seq[*metadata.EntityDescriptor], error) {
	entities, err := b.lookup(ctx, s)
	if err != nil {
		return nil, err
	}
	return slices.Values(entities), nil
}

func (b *Batch) ResolveSingle(ctx context.Context, s *criteria.Set) (*metadata.EntityDescriptor, error) {
	entities, err := b.lookup(ctx, s)
	if err != nil || len(entities) == 0 {
		return nil, err
	}
	return entities[0], nil
}

func (b *Batch) lookup(ctx context.Context, s *criteria.Set) ([]*metadata.EntityDescriptor, error) {
	if b.destroyed.Load() {
		return nil, ErrDestroyed
	}
	if !b.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return b.engine.Lookup(ctx, b.snapshot.Load(), s)
}

// Refresh runs one refresh cycle synchronously, waiting for any cycle
// already in progress. Fetch, parse, filter and hook failures are returned;
// an already expired document is not an error.
func (b *Batch) Refresh(ctx context.Context) error {
	return b.refresh(ctx)
}

type cycle struct {
	outcome string
	success bool
	err     error
	prev    *store.Snapshot
	next    *store.Snapshot
}

func (b *Batch) refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed.Load() {
		return nil
	}
	b.sched.cancel()

	start := b.now()
	cycleID := tracing.NewCycleID()
	ctx = tracing.ContextWithCycleID(ctx, cycleID)
	ctx, span := b.tracer.Start(ctx, tracing.SpanRefresh, trace.WithAttributes(
		attribute.String(tracing.AttrResolverID, b.id),
		attribute.String(tracing.AttrSource, b.src.Source()),
		attribute.String(tracing.AttrCycleID, cycleID),
	))
	defer span.End()

	log.Debug(log.CatRefresh, "beginning refresh", "resolver", b.id, "source", b.src.Source(), "cycle", cycleID)

	st := b.Status()
	c := b.runCycle(ctx, start, &st)

	st.WasLastRefreshSuccess = c.success
	if c.success {
		st.LastSuccessfulRefresh = start
		st.LastFailure = nil
	}
	st.LastRefresh = start

	b.stateMu.Lock()
	b.state = st
	b.stateMu.Unlock()

	b.logExpiration(st, start)

	delay := max(st.NextRefresh.Sub(b.now()), 0)
	b.sched.schedule(delay)
	log.Info(log.CatRefresh, "next refresh scheduled", "resolver", b.id, "at", st.NextRefresh.Format(time.RFC3339), "in", delay)

	b.record(span, cycleID, start, st, c)
	return c.err
}

func (b *Batch) runCycle(ctx context.Context, start time.Time, st *Status) cycle {
	prev := b.snapshot.Load()

	res, err := b.fetch(ctx, st.LastUpdate)
	if err != nil {
		return b.fail(st, prev, fmt.Errorf("failed to fetch metadata from %s: %w", b.src.Source(), err))
	}

	if !res.Changed() {
		log.Info(log.CatRefresh, "metadata has not changed since last refresh", "resolver", b.id, "source", b.src.Source())
		exp := metadata.EarliestExpiration(prev.Original(), start.Add(b.cfg.MaxRefreshDelay), start)
		now := b.now()
		st.ExpirationTime = exp
		st.NextRefresh = now.Add(b.cfg.ComputeNextRefreshDelay(exp, now))
		trace.SpanFromContext(ctx).AddEvent(tracing.EventUnchanged)
		return cycle{outcome: metrics.OutcomeUnchanged, success: true, prev: prev, next: prev}
	}

	doc, err := metadata.Unmarshal(res.Data())
	if err != nil {
		return b.fail(st, prev, fmt.Errorf("unable to unmarshal metadata from %s: %w", b.src.Source(), err))
	}

	if b.cfg.RequireValidMetadata && !metadata.IsValid(doc, start) {
		log.Warn(log.CatRefresh, "entire metadata document was expired at time of loading, previous metadata retained",
			"resolver", b.id, "source", b.src.Source())
		st.NextRefresh = b.now().Add(b.cfg.ComputeNextRefreshDelay(time.Time{}, start))
		st.LastFailure = ErrPreExpired
		trace.SpanFromContext(ctx).AddEvent(tracing.EventPreExpired)
		return cycle{outcome: metrics.OutcomeExpired, prev: prev, next: prev}
	}

	snap, err := b.preprocess(ctx, doc)
	if err != nil {
		return b.fail(st, prev, fmt.Errorf("error filtering metadata from %s: %w", b.src.Source(), err))
	}

	metadata.Release(snap.Original())
	metadata.Release(snap.Filtered())

	if b.hook != nil {
		if err := b.hook(ctx, res.Data(), snap); err != nil {
			trace.SpanFromContext(ctx).AddEvent(tracing.EventHookRejected)
			return b.fail(st, prev, fmt.Errorf("post-processing rejected metadata from %s: %w", b.src.Source(), err))
		}
	}

	exp := metadata.EarliestExpiration(snap.Original(), start.Add(b.cfg.MaxRefreshDelay), start)
	log.Debug(log.CatRefresh, "computed metadata expiration", "resolver", b.id, "expiration", exp)

	b.snapshot.Store(snap)
	st.LastUpdate = start
	trace.SpanFromContext(ctx).AddEvent(tracing.EventSnapshotSwapped)

	now := b.now()
	var delay time.Duration
	if exp.Before(now) {
		st.ExpirationTime = now.Add(b.cfg.MinRefreshDelay)
		delay = b.cfg.MaxRefreshDelay
	} else {
		st.ExpirationTime = exp
		delay = b.cfg.ComputeNextRefreshDelay(exp, now)
	}
	st.NextRefresh = now.Add(delay)

	log.Info(log.CatRefresh, "new metadata successfully loaded", "resolver", b.id, "entities", snap.Len())
	return cycle{outcome: metrics.OutcomeRefreshed, success: true, prev: prev, next: snap}
}

func (b *Batch) fetch(ctx context.Context, lastUpdate time.Time) (fetch.Result, error) {
	ctx, span := b.tracer.Start(ctx, tracing.SpanFetch)
	defer span.End()

	res, err := b.src.Fetch(ctx, lastUpdate)
	tracing.RecordError(span, err)
	return res, err
}

func (b *Batch) fail(st *Status, prev *store.Snapshot, err error) cycle {
	log.ErrorErr(log.CatRefresh, "error refreshing metadata", err, "resolver", b.id, "source", b.src.Source())
	st.LastFailure = err
	st.NextRefresh = b.now().Add(b.cfg.MinRefreshDelay)
	return cycle{outcome: metrics.OutcomeFailed, err: err, prev: prev, next: prev}
}

// preprocess filters a clone of doc and flattens the result into a snapshot.
func (b *Batch) preprocess(ctx context.Context, doc metadata.Element) (*store.Snapshot, error) {
	filtered := doc
	if b.filter != nil {
		var err error
		filtered, err = b.filter.Filter(ctx, metadata.Clone(doc))
		if err != nil {
			return nil, err
		}
	}

	builder := store.NewBuilder(b.id, b.cfg.Indexes)
	retained := filtered
	if !b.retainFiltered {
		retained = nil
	}
	builder.SetDocuments(doc, retained)

	switch v := filtered.(type) {
	case nil:
		log.Info(log.CatRefresh, "metadata filtered out entirely", "resolver", b.id)
	case *metadata.EntityDescriptor:
		builder.Add(v)
	case *metadata.EntitiesDescriptor:
		for e := range metadata.Flatten(v) {
			builder.Add(e)
		}
	case *metadata.Other:
		log.Warn(log.CatRefresh, "metadata root is neither an entity nor a group", "resolver", b.id, "element", v.Name.Local)
	default:
		log.Warn(log.CatRefresh, "metadata root is neither an entity nor a group", "resolver", b.id, "type", fmt.Sprintf("%T", v))
	}
	return builder.Build(), nil
}

func (b *Batch) logExpiration(st Status, now time.Time) {
	doc := b.snapshot.Load().Original()
	if doc == nil {
		return
	}
	if !metadata.IsValid(doc, now) {
		log.Warn(log.CatRefresh, "live metadata root is expired or otherwise invalid", "resolver", b.id)
		return
	}
	if !b.cfg.RequireValidMetadata {
		return
	}
	vu := doc.Lifetime().ValidUntil
	if vu.IsZero() {
		return
	}
	if b.cfg.ExpirationWarningThreshold > 0 && vu.Before(now.Add(b.cfg.ExpirationWarningThreshold)) {
		log.Warn(log.CatRefresh, "live metadata root will expire within the warning threshold",
			"resolver", b.id, "validUntil", vu.Format(time.RFC3339))
	} else if vu.Before(st.NextRefresh) {
		log.Warn(log.CatRefresh, "live metadata root will expire before the next refresh",
			"resolver", b.id, "validUntil", vu.Format(time.RFC3339), "nextRefresh", st.NextRefresh.Format(time.RFC3339))
	}
}

func (b *Batch) record(span trace.Span, cycleID string, start time.Time, st Status, c cycle) {
	ev := RefreshEvent{
		Resolver:    b.id,
		CycleID:     cycleID,
		Source:      b.src.Source(),
		Entities:    c.next.Len(),
		NextRefresh: st.NextRefresh,
		Err:         st.LastFailure,
	}
	var typ pubsub.EventType
	switch c.outcome {
	case metrics.OutcomeRefreshed:
		typ = pubsub.RefreshedEvent
		ev.Added, ev.Removed = diffIDs(c.prev.IDs(), c.next.IDs())
	case metrics.OutcomeUnchanged:
		typ = pubsub.UnchangedEvent
	case metrics.OutcomeExpired:
		typ = pubsub.ExpiredEvent
	default:
		typ = pubsub.FailedEvent
	}
	b.events.Publish(typ, ev)

	b.metrics.ObserveRefresh(b.id, c.outcome, b.now().Sub(start), c.next.Len(), st.NextRefresh, st.LastSuccessfulRefresh)

	span.SetAttributes(
		attribute.String(tracing.AttrOutcome, c.outcome),
		attribute.Int(tracing.AttrEntityCount, c.next.Len()),
		attribute.String(tracing.AttrNextRefresh, st.NextRefresh.Format(time.RFC3339)),
		attribute.String(tracing.AttrExpiration, st.ExpirationTime.Format(time.RFC3339)),
	)
	switch {
	case c.err != nil:
		tracing.RecordError(span, c.err)
	case errors.Is(st.LastFailure, ErrPreExpired):
		tracing.RecordError(span, ErrPreExpired)
	default:
		tracing.RecordError(span, nil)
	}
}

func diffIDs(before, after []string) (added, removed []string) {
	old := make(map[string]struct{}, len(before))
	for _, id := range before {
		old[id] = struct{}{}
	}
	for _, id := range after {
		if _, ok := old[id]; ok {
			delete(old, id)
			continue
		}
		added = append(added, id)
	}
	for _, id := range before {
		if _, ok := old[id]; ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
