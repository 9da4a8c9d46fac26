// Package criteria holds typed query parameters, the registry that turns them
// into predicates over entities, and the predicate filter used by resolvers.
package criteria

import (
	"reflect"
	"regexp"
	"sort"

	"github.com/zjrosen/mdresolve/internal/metadata"
)

// EntityID selects an entity by identifier.
type EntityID string

// EntityRole selects entities having a role of this kind (metadata.RoleIDPSSO, ...).
type EntityRole string

// Protocol selects entities with a role supporting this protocol URI.
type Protocol string

// SatisfyAny overrides the resolver's predicate combination mode for one call.
// true combines predicates with OR, false with AND.
type SatisfyAny bool

// Artifact carries a decoded SAML 1 or SAML 2 artifact.
type Artifact []byte

// Endpoint selects entities exposing an endpoint at this location.
type Endpoint string

// EntityAttributes matches entity attribute tags, including tags inherited
// from enclosing groups.
type EntityAttributes struct {
	Candidates []AttributeCandidate
	// MatchAll requires every candidate to match instead of any one.
	MatchAll bool
}

// AttributeCandidate matches one entity attribute. Every listed value and
// pattern must be present among the attribute's values.
type AttributeCandidate struct {
	Name       string
	NameFormat string
	Values     []string
	Patterns   []*regexp.Regexp
}

// Func is a criterion that evaluates itself.
type Func func(*metadata.EntityDescriptor) bool

// Set is an unordered bag of criteria holding at most one value per type.
// A Set is never modified by resolvers.
type Set struct {
	m map[reflect.Type]any
}

// NewSet builds a Set from the given criteria. Nil values are skipped.
func NewSet(cs ...any) *Set {
	s := &Set{m: make(map[reflect.Type]any, len(cs))}
	for _, c := range cs {
		s.Add(c)
	}
	return s
}

// Add stores c, replacing any criterion of the same type.
func (s *Set) Add(c any) *Set {
	if c == nil {
		return s
	}
	if s.m == nil {
		s.m = make(map[reflect.Type]any)
	}
	s.m[reflect.TypeOf(c)] = c
	return s
}

// Len returns the number of criteria.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}

// All returns the criteria ordered by type name.
func (s *Set) All() []any {
	if s == nil {
		return nil
	}
	types := make([]reflect.Type, 0, len(s.m))
	for t := range s.m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].String() < types[j].String() })

	out := make([]any, 0, len(types))
	for _, t := range types {
		out = append(out, s.m[t])
	}
	return out
}

// Get returns the criterion of type T.
func Get[T any](s *Set) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.m[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Has reports whether s holds a criterion of type T.
func Has[T any](s *Set) bool {
	_, ok := Get[T](s)
	return ok
}
