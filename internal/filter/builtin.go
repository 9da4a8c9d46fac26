package filter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Direction selects whether a PredicateFilter keeps or removes matches.
type Direction int

const (
	Include Direction = iota
	Exclude
)

// PredicateFilter keeps (Include) or removes (Exclude) entities matching Condition.
type PredicateFilter struct {
	Direction         Direction
	Condition         criteria.Predicate
	RemoveEmptyGroups bool
}

// NewPredicateFilter returns a filter that removes empty groups.
func NewPredicateFilter(dir Direction, cond criteria.Predicate) *PredicateFilter {
	return &PredicateFilter{Direction: dir, Condition: cond, RemoveEmptyGroups: true}
}

func (f *PredicateFilter) Filter(_ context.Context, doc metadata.Element) (metadata.Element, error) {
	if f.Condition == nil {
		return nil, &Error{Filter: "predicate", Err: errors.New("no condition configured")}
	}
	drop := func(e *metadata.EntityDescriptor) bool {
		return (f.Direction == Exclude) == f.Condition(e)
	}

	switch v := doc.(type) {
	case nil:
		return nil, nil
	case *metadata.EntitiesDescriptor:
		pruneGroup(v, drop, f.RemoveEmptyGroups)
		return v, nil
	case *metadata.EntityDescriptor:
		if drop(v) {
			return nil, nil
		}
		return v, nil
	default:
		return nil, nil
	}
}

// ExcludeEntities removes the listed entity IDs.
func ExcludeEntities(ids ...string) *PredicateFilter {
	return NewPredicateFilter(Exclude, func(e *metadata.EntityDescriptor) bool {
		return slices.Contains(ids, e.EntityID)
	})
}

// EntityRoleFilter removes roles whose kind is not retained, then entities
// left without roles and groups left without members.
type EntityRoleFilter struct {
	Retain               []string
	RemoveRolelessEntity bool
	RemoveEmptyGroups    bool
}

// NewEntityRoleFilter returns a filter with both removal options enabled.
func NewEntityRoleFilter(retain ...string) *EntityRoleFilter {
	return &EntityRoleFilter{Retain: retain, RemoveRolelessEntity: true, RemoveEmptyGroups: true}
}

func (f *EntityRoleFilter) Filter(_ context.Context, doc metadata.Element) (metadata.Element, error) {
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case *metadata.EntityDescriptor:
		f.retainRoles(v)
		if f.RemoveRolelessEntity && len(v.Roles) == 0 {
			return nil, nil
		}
		return v, nil
	case *metadata.EntitiesDescriptor:
		pruneGroup(v, func(e *metadata.EntityDescriptor) bool {
			f.retainRoles(e)
			return f.RemoveRolelessEntity && len(e.Roles) == 0
		}, f.RemoveEmptyGroups)
		return v, nil
	default:
		return doc, nil
	}
}

func (f *EntityRoleFilter) retainRoles(e *metadata.EntityDescriptor) {
	e.Roles = slices.DeleteFunc(e.Roles, func(r *metadata.RoleDescriptor) bool {
		return !slices.Contains(f.Retain, r.Kind)
	})
}

// RequiredValidUntilFilter rejects documents whose root has no validUntil, or
// one further away than MaxValidityInterval when that is set.
type RequiredValidUntilFilter struct {
	MaxValidityInterval time.Duration
	Now                 func() time.Time
}

func (f *RequiredValidUntilFilter) Filter(_ context.Context, doc metadata.Element) (metadata.Element, error) {
	if doc == nil {
		return nil, nil
	}
	vu := doc.Lifetime().ValidUntil
	if vu.IsZero() {
		return nil, &Error{Filter: "required-valid-until", Err: errors.New("metadata root has no validUntil")}
	}
	if f.MaxValidityInterval > 0 {
		now := time.Now()
		if f.Now != nil {
			now = f.Now()
		}
		if vu.Sub(now) > f.MaxValidityInterval {
			return nil, &Error{
				Filter: "required-valid-until",
				Err:    fmt.Errorf("validUntil %s is more than %s in the future", vu.Format(time.RFC3339), f.MaxValidityInterval),
			}
		}
	}
	return doc, nil
}
