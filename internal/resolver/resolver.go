// Package resolver serves entity lookups from an atomically swapped snapshot.
//
// Batch resolvers replace the whole snapshot on every refresh; the refresh
// cycle runs under one mutex per resolver and a scheduler goroutine owns the
// timer. Composite resolvers chain children lazily.
package resolver

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

var (
	// ErrNotInitialized is returned by queries issued before Init.
	ErrNotInitialized = errors.New("resolver not initialized")
	// ErrDestroyed is returned by queries issued after Destroy.
	ErrDestroyed = errors.New("resolver destroyed")
	// ErrPreExpired is recorded as the last failure when a fetched document
	// was already expired. It is never returned from Refresh.
	ErrPreExpired = errors.New("entire metadata document was already expired at time of loading")
)

// Resolver answers entity queries.
type Resolver interface {
	ID() string
	// Resolve returns the matching entities. An empty sequence means no
	// match; errors are reserved for faults.
	Resolve(ctx context.Context, s *criteria.Set) (iter.Seq[*metadata.EntityDescriptor], error)
	// ResolveSingle returns the first match or nil.
	ResolveSingle(ctx context.Context, s *criteria.Set) (*metadata.EntityDescriptor, error)
}

// Refreshable resolvers reload their data on demand and report refresh state.
type Refreshable interface {
	Refresh(ctx context.Context) error
	Status() Status
}

// Clearable resolvers can drop cached entities.
type Clearable interface {
	Clear()
	ClearEntity(id string)
}

// Status is the refresh history of a resolver.
type Status struct {
	LastUpdate            time.Time
	LastRefresh           time.Time
	LastSuccessfulRefresh time.Time
	WasLastRefreshSuccess bool
	LastFailure           error
	ExpirationTime        time.Time
	NextRefresh           time.Time
}

// ActivationFunc decides per call whether a resolver takes part in
// resolution. Returning false yields no results, not an error.
type ActivationFunc func(ctx context.Context, s *criteria.Set) bool

// First returns the first element of seq, or nil.
func First[T any](seq iter.Seq[*T]) *T {
	for v := range seq {
		return v
	}
	return nil
}
