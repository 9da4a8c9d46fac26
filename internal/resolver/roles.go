package resolver

import (
	"context"
	"iter"
	"time"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Roles resolves role descriptors of the entities matched by an underlying
// resolver, narrowed by the EntityRole and Protocol criteria.
type Roles struct {
	Entities             Resolver
	RequireValidMetadata bool
	Now                  func() time.Time
}

// Resolve yields every matching role of every matching entity.
func (r *Roles) Resolve(ctx context.Context, s *criteria.Set) (iter.Seq[*metadata.RoleDescriptor], error) {
	entities, err := r.Entities.Resolve(ctx, s)
	if err != nil {
		return nil, err
	}

	kind, hasKind := criteria.Get[criteria.EntityRole](s)
	protocol, hasProtocol := criteria.Get[criteria.Protocol](s)
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	return func(yield func(*metadata.RoleDescriptor) bool) {
		for e := range entities {
			for _, role := range e.Roles {
				if hasKind && role.Kind != string(kind) {
					continue
				}
				if hasProtocol && !role.SupportsProtocol(string(protocol)) {
					continue
				}
				if r.RequireValidMetadata && !metadata.IsValid(role, now()) {
					continue
				}
				if !yield(role) {
					return
				}
			}
		}
	}, nil
}

// ResolveSingle returns the first matching role or nil.
func (r *Roles) ResolveSingle(ctx context.Context, s *criteria.Set) (*metadata.RoleDescriptor, error) {
	seq, err := r.Resolve(ctx, s)
	if err != nil {
		return nil, err
	}
	return First(seq), nil
}
