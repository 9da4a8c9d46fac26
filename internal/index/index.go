// Package index provides secondary indexes over entities. Each index maps an
// entity to zero or more keys and, independently, a criteria set to the keys
// it should look up. A Manager is built once per snapshot and never updated.
package index

import (
	"fmt"
	"strings"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Key is one index entry key. Kind namespaces values from different indexes.
type Key struct {
	Kind  string
	Value string
}

func (k Key) String() string {
	return k.Kind + ":" + k.Value
}

// Index derives keys from entities and from query criteria.
type Index interface {
	Name() string
	// EntityKeys returns the keys an entity is stored under.
	EntityKeys(e *metadata.EntityDescriptor) []Key
	// CriteriaKeys returns the keys to look up, or nothing when the index
	// does not understand any of the criteria.
	CriteriaKeys(s *criteria.Set) []Key
}

// Result is the outcome of an index lookup: NotApplicable when no index
// understood the criteria, otherwise Applicable with a possibly empty set.
type Result struct {
	applicable bool
	entities   []*metadata.EntityDescriptor
}

// NotApplicable reports that no configured index recognised the criteria.
func NotApplicable() Result {
	return Result{}
}

// Applicable wraps an authoritative, possibly empty, candidate set.
func Applicable(entities []*metadata.EntityDescriptor) Result {
	return Result{applicable: true, entities: entities}
}

// Applicable reports whether an index recognised the criteria.
func (r Result) Applicable() bool { return r.applicable }

// Entities returns the candidates of an applicable result.
func (r Result) Entities() []*metadata.EntityDescriptor { return r.entities }

// Names of the built-in indexes, as used in configuration.
const (
	NameRole     = "role"
	NameArtifact = "artifact"
	NameEndpoint = "endpoint"
)

// ByName returns a built-in index for a configuration name.
func ByName(name string) (Index, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameRole:
		return RoleIndex{}, nil
	case NameArtifact:
		return ArtifactIndex{}, nil
	case NameEndpoint:
		return EndpointIndex{}, nil
	default:
		return nil, fmt.Errorf("unknown index %q (expected %s, %s or %s)", name, NameRole, NameArtifact, NameEndpoint)
	}
}

// ByNames resolves several configuration names.
func ByNames(names []string) ([]Index, error) {
	out := make([]Index, 0, len(names))
	for _, n := range names {
		idx, err := ByName(n)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
