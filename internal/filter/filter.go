// Package filter transforms a parsed metadata document before it is indexed.
// Filters may modify the document they are given; resolvers pass them a clone.
package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Filter returns the filtered document, nil to drop everything, or an error
// that aborts processing of the document.
type Filter interface {
	Filter(ctx context.Context, doc metadata.Element) (metadata.Element, error)
}

// Func adapts a function to Filter.
type Func func(ctx context.Context, doc metadata.Element) (metadata.Element, error)

func (f Func) Filter(ctx context.Context, doc metadata.Element) (metadata.Element, error) {
	return f(ctx, doc)
}

// Error wraps a failure raised by a filter.
type Error struct {
	Filter string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("filter %s: %v", e.Filter, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Chain applies filters in order, stopping once a filter drops the document.
type Chain []Filter

func (c Chain) Filter(ctx context.Context, doc metadata.Element) (metadata.Element, error) {
	current := doc
	for _, f := range c {
		if current == nil {
			break
		}
		out, err := f.Filter(ctx, current)
		if err != nil {
			var fe *Error
			if errors.As(err, &fe) {
				return nil, fe
			}
			return nil, &Error{Filter: fmt.Sprintf("%T", f), Err: err}
		}
		current = out
	}
	if current == nil {
		log.Info(log.CatFilter, "filter chain dropped the whole document")
	}
	return current, nil
}

// pruneGroup removes members for which drop returns true, then nested groups
// left without members when removeEmpty is set.
func pruneGroup(g *metadata.EntitiesDescriptor, drop func(*metadata.EntityDescriptor) bool, removeEmpty bool) {
	kept := g.Members[:0]
	for _, m := range g.Members {
		switch v := m.(type) {
		case *metadata.EntityDescriptor:
			if drop(v) {
				log.Debug(log.CatFilter, "filtered out entity", "entityID", v.EntityID, "group", g.Name)
				continue
			}
		case *metadata.EntitiesDescriptor:
			pruneGroup(v, drop, removeEmpty)
			if removeEmpty && len(v.Members) == 0 {
				log.Debug(log.CatFilter, "filtered out empty group", "group", v.Name, "parent", g.Name)
				continue
			}
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(g.Members); i++ {
		g.Members[i] = nil
	}
	g.Members = kept
}
