package index

import (
	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

const kindRole = "role"

// RoleIndex indexes entities by the kinds of role they declare.
type RoleIndex struct{}

func (RoleIndex) Name() string { return NameRole }

func (RoleIndex) EntityKeys(e *metadata.EntityDescriptor) []Key {
	keys := make([]Key, 0, len(e.Roles))
	for _, r := range e.Roles {
		keys = append(keys, Key{Kind: kindRole, Value: r.Kind})
	}
	return keys
}

func (RoleIndex) CriteriaKeys(s *criteria.Set) []Key {
	role, ok := criteria.Get[criteria.EntityRole](s)
	if !ok || role == "" {
		return nil
	}
	return []Key{{Kind: kindRole, Value: string(role)}}
}
