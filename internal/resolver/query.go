package resolver

import (
	"context"
	"slices"
	"time"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/store"
)

// QueryOptions configures query dispatch.
type QueryOptions struct {
	Registry                 *criteria.Registry
	RequireValidMetadata     bool
	SatisfyAnyPredicates     bool
	ResolveViaPredicatesOnly bool
	Activation               ActivationFunc
	Now                      func() time.Time
}

// Engine dispatches a query against a snapshot: by entity ID, then by
// secondary index, then optionally by a full predicate scan.
type Engine struct {
	name string
	opts QueryOptions
}

// NewEngine returns an engine for the named resolver. A nil registry uses
// criteria.DefaultRegistry.
func NewEngine(name string, opts QueryOptions) *Engine {
	if opts.Registry == nil {
		opts.Registry = criteria.DefaultRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{name: name, opts: opts}
}

// Lookup returns the entities in snap matching s.
func (e *Engine) Lookup(ctx context.Context, snap *store.Snapshot, s *criteria.Set) ([]*metadata.EntityDescriptor, error) {
	if e.opts.Activation != nil && !e.opts.Activation(ctx, s) {
		log.Debug(log.CatResolver, "resolver not active for request", "resolver", e.name)
		return nil, nil
	}
	if snap == nil {
		snap = store.Empty()
	}

	preds, err := e.opts.Registry.Predicates(s)
	if err != nil {
		return nil, err
	}
	satisfyAny := criteria.SatisfyAnyFor(s, e.opts.SatisfyAnyPredicates)

	if id, ok := criteria.Get[criteria.EntityID](s); ok && id != "" {
		return criteria.Filter(e.valid(snap.Lookup(string(id))), preds, satisfyAny, false), nil
	}

	if idx := snap.Secondary(); idx != nil {
		res := idx.Lookup(s)
		if res.Applicable() {
			return criteria.Filter(res.Entities(), preds, satisfyAny, false), nil
		}
	}

	if !e.opts.ResolveViaPredicatesOnly {
		log.Debug(log.CatResolver, "no entity ID or index match and predicate-only resolution disabled",
			"resolver", e.name)
		return nil, nil
	}
	return criteria.Filter(snap.Entities(), preds, satisfyAny, true), nil
}

// Narrow applies the ID-path rules to candidates obtained elsewhere: invalid
// entities are dropped when validity is required, then the remaining
// predicates are applied. An empty predicate set keeps every candidate.
func (e *Engine) Narrow(s *criteria.Set, candidates []*metadata.EntityDescriptor) ([]*metadata.EntityDescriptor, error) {
	preds, err := e.opts.Registry.Predicates(s)
	if err != nil {
		return nil, err
	}
	return criteria.Filter(e.valid(slices.Clone(candidates)), preds, criteria.SatisfyAnyFor(s, e.opts.SatisfyAnyPredicates), false), nil
}

func (e *Engine) valid(candidates []*metadata.EntityDescriptor) []*metadata.EntityDescriptor {
	if !e.opts.RequireValidMetadata {
		return candidates
	}
	now := e.opts.Now()
	return slices.DeleteFunc(candidates, func(ed *metadata.EntityDescriptor) bool {
		if metadata.IsValid(ed, now) {
			return false
		}
		log.Debug(log.CatResolver, "entity is no longer valid", "resolver", e.name, "entityID", ed.EntityID)
		return true
	})
}
