package criteria

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/zjrosen/mdresolve/internal/metadata"
)

var (
	// ErrNilRegistry is returned when registering into a nil registry.
	ErrNilRegistry = errors.New("criteria: nil registry")
	// ErrNilFactory is returned when a nil predicate factory is registered.
	ErrNilFactory = errors.New("criteria: nil predicate factory")
	// ErrConflictingRegistration indicates a second factory for an already registered type.
	ErrConflictingRegistration = errors.New("criteria: conflicting registration")
	// ErrNilCriterion is returned by built-in factories given an empty criterion.
	ErrNilCriterion = errors.New("criteria: empty criterion")
)

// Predicate tests one candidate entity.
type Predicate func(*metadata.EntityDescriptor) bool

type factory func(c any) (Predicate, error)

// Registry maps criterion types to predicate factories.
type Registry struct {
	mu    sync.Mutex
	m     sync.Map // map[reflect.Type]factory
	count int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs the predicate factory for criteria of type T.
func Register[T any](r *Registry, fn func(T) (Predicate, error)) error {
	if r == nil {
		return ErrNilRegistry
	}
	if fn == nil {
		return ErrNilFactory
	}
	t := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.m.Load(t); ok {
		return fmt.Errorf("%w: %s", ErrConflictingRegistration, t)
	}
	r.m.Store(t, factory(func(c any) (Predicate, error) {
		return fn(c.(T))
	}))
	r.count++
	return nil
}

// Count returns the number of registered types.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Predicates resolves every criterion in s with a registered factory. Func
// criteria are used as-is; criteria without a factory contribute nothing.
func (r *Registry) Predicates(s *Set) ([]Predicate, error) {
	var preds []Predicate
	for _, c := range s.All() {
		if fn, ok := c.(Func); ok {
			if fn != nil {
				preds = append(preds, Predicate(fn))
			}
			continue
		}
		if r == nil {
			continue
		}
		v, ok := r.m.Load(reflect.TypeOf(c))
		if !ok {
			continue
		}
		p, err := v.(factory)(c)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve predicate for %T: %w", c, err)
		}
		if p != nil {
			preds = append(preds, p)
		}
	}
	return preds, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the shared registry with the built-in factories for
// EntityRole, Protocol and EntityAttributes. EntityID is served by the primary
// index and has no factory.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterBuiltins installs the built-in factories into r.
func RegisterBuiltins(r *Registry) {
	_ = Register(r, EntityRolePredicate)
	_ = Register(r, ProtocolPredicate)
	_ = Register(r, EntityAttributesPredicate)
}

// EntityIDPredicate matches the entity identifier exactly. It is not a
// built-in; register it to filter full scans by identifier.
func EntityIDPredicate(id EntityID) (Predicate, error) {
	if id == "" {
		return nil, ErrNilCriterion
	}
	return func(e *metadata.EntityDescriptor) bool {
		return e.EntityID == string(id)
	}, nil
}

// EntityRolePredicate matches entities with at least one role of the kind.
func EntityRolePredicate(role EntityRole) (Predicate, error) {
	if role == "" {
		return nil, ErrNilCriterion
	}
	return func(e *metadata.EntityDescriptor) bool {
		return len(e.RolesOf(string(role))) > 0
	}, nil
}

// ProtocolPredicate matches entities with any role supporting the protocol.
func ProtocolPredicate(p Protocol) (Predicate, error) {
	if p == "" {
		return nil, ErrNilCriterion
	}
	return func(e *metadata.EntityDescriptor) bool {
		return slices.ContainsFunc(e.Roles, func(r *metadata.RoleDescriptor) bool {
			return r.SupportsProtocol(string(p))
		})
	}, nil
}

// EntityAttributesPredicate matches entity attribute tags. Attributes declared
// on enclosing groups count as the entity's own.
func EntityAttributesPredicate(ea EntityAttributes) (Predicate, error) {
	if len(ea.Candidates) == 0 {
		return nil, ErrNilCriterion
	}
	for _, c := range ea.Candidates {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: attribute candidate without a name", ErrNilCriterion)
		}
	}

	return func(e *metadata.EntityDescriptor) bool {
		attrs := e.InheritedAttributes()
		if len(attrs) == 0 {
			return false
		}
		match := func(c AttributeCandidate) bool {
			return slices.ContainsFunc(attrs, func(a metadata.Attribute) bool {
				return candidateMatches(c, a)
			})
		}
		if ea.MatchAll {
			for _, c := range ea.Candidates {
				if !match(c) {
					return false
				}
			}
			return true
		}
		return slices.ContainsFunc(ea.Candidates, match)
	}, nil
}

func candidateMatches(c AttributeCandidate, a metadata.Attribute) bool {
	if a.Name != c.Name {
		return false
	}
	if c.NameFormat != "" && a.NameFormat != "" && a.NameFormat != c.NameFormat {
		return false
	}
	for _, v := range c.Values {
		if !slices.Contains(a.Values, v) {
			return false
		}
	}
	for _, re := range c.Patterns {
		if !slices.ContainsFunc(a.Values, re.MatchString) {
			return false
		}
	}
	return true
}
