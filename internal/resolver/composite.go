package resolver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Composite chains an ordered list of child resolvers.
type Composite struct {
	id       string
	children []Resolver
}

// NewComposite wraps children in order. Nil children are rejected.
func NewComposite(id string, children ...Resolver) (*Composite, error) {
	for i, c := range children {
		if c == nil {
			return nil, &ConfigError{Field: fmt.Sprintf("children[%d]", i), Reason: "is nil"}
		}
	}
	return &Composite{id: id, children: append([]Resolver(nil), children...)}, nil
}

func (c *Composite) ID() string { return c.id }

// Children returns the wrapped resolvers.
func (c *Composite) Children() []Resolver {
	return append([]Resolver(nil), c.children...)
}

// Resolve returns a lazy sequence that queries each child in turn as the
// previous child's results are exhausted. A failing child is logged and
// skipped.
func (c *Composite) Resolve(ctx context.Context, s *criteria.Set) (iter.Seq[*metadata.EntityDescriptor], error) {
	return func(yield func(*metadata.EntityDescriptor) bool) {
		for _, child := range c.children {
			seq, err := child.Resolve(ctx, s)
			if err != nil {
				log.ErrorErr(log.CatResolver, "error resolving from child resolver, skipping", err,
					"resolver", c.id, "child", child.ID())
				continue
			}
			for e := range seq {
				if !yield(e) {
					return
				}
			}
		}
	}, nil
}

// ResolveSingle returns the first match from the first child that has one.
func (c *Composite) ResolveSingle(ctx context.Context, s *criteria.Set) (*metadata.EntityDescriptor, error) {
	for _, child := range c.children {
		e, err := child.ResolveSingle(ctx, s)
		if err != nil {
			log.ErrorErr(log.CatResolver, "error resolving from child resolver, skipping", err,
				"resolver", c.id, "child", child.ID())
			continue
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// Refresh refreshes every refreshable child and joins their errors.
func (c *Composite) Refresh(ctx context.Context) error {
	var errs []error
	for _, child := range c.children {
		r, ok := child.(Refreshable)
		if !ok {
			continue
		}
		if err := r.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("child %s: %w", child.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Status aggregates child status. Latest timestamps win and the first
// failure wins; success requires every refreshable child to have succeeded.
// NextRefresh is the earliest scheduled child refresh.
func (c *Composite) Status() Status {
	agg := Status{WasLastRefreshSuccess: true}
	for _, child := range c.children {
		r, ok := child.(Refreshable)
		if !ok {
			continue
		}
		st := r.Status()
		agg.LastUpdate = later(agg.LastUpdate, st.LastUpdate)
		agg.LastRefresh = later(agg.LastRefresh, st.LastRefresh)
		agg.LastSuccessfulRefresh = later(agg.LastSuccessfulRefresh, st.LastSuccessfulRefresh)
		agg.WasLastRefreshSuccess = agg.WasLastRefreshSuccess && st.WasLastRefreshSuccess
		if agg.LastFailure == nil {
			agg.LastFailure = st.LastFailure
		}
		if !st.NextRefresh.IsZero() && (agg.NextRefresh.IsZero() || st.NextRefresh.Before(agg.NextRefresh)) {
			agg.NextRefresh = st.NextRefresh
		}
	}
	return agg
}

// Clear clears every clearable child.
func (c *Composite) Clear() {
	for _, child := range c.children {
		if cl, ok := child.(Clearable); ok {
			cl.Clear()
		}
	}
}

// ClearEntity drops id from every clearable child.
func (c *Composite) ClearEntity(id string) {
	for _, child := range c.children {
		if cl, ok := child.(Clearable); ok {
			cl.ClearEntity(id)
		}
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
