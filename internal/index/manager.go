package index

import (
	"sort"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Manager holds the key maps of a set of indexes built from one entity list.
type Manager struct {
	indexes  []Index
	stores   []map[Key][]*metadata.EntityDescriptor
	position map[*metadata.EntityDescriptor]int
}

// Build indexes entities with every index. The entity slice order is the
// order lookups return results in.
func Build(indexes []Index, entities []*metadata.EntityDescriptor) *Manager {
	m := &Manager{
		indexes:  indexes,
		stores:   make([]map[Key][]*metadata.EntityDescriptor, len(indexes)),
		position: make(map[*metadata.EntityDescriptor]int, len(entities)),
	}
	for i, e := range entities {
		if _, seen := m.position[e]; !seen {
			m.position[e] = i
		}
	}
	for i, idx := range indexes {
		store := make(map[Key][]*metadata.EntityDescriptor)
		for _, e := range entities {
			for _, k := range dedupe(idx.EntityKeys(e)) {
				store[k] = append(store[k], e)
			}
		}
		m.stores[i] = store
		log.Debug(log.CatIndex, "built index", "index", idx.Name(), "keys", len(store))
	}
	return m
}

// Len returns the number of configured indexes.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	return len(m.indexes)
}

// Lookup unions the entities under every key an index produced and intersects
// the per-index unions. It returns NotApplicable when no index produced keys
// and an empty Applicable result as soon as the intersection becomes empty.
func (m *Manager) Lookup(s *criteria.Set) Result {
	if m == nil {
		return NotApplicable()
	}

	var acc map[*metadata.EntityDescriptor]struct{}
	for i, idx := range m.indexes {
		keys := idx.CriteriaKeys(s)
		if len(keys) == 0 {
			continue
		}

		union := make(map[*metadata.EntityDescriptor]struct{})
		for _, k := range keys {
			for _, e := range m.stores[i][k] {
				union[e] = struct{}{}
			}
		}

		if acc == nil {
			acc = union
		} else {
			for e := range acc {
				if _, ok := union[e]; !ok {
					delete(acc, e)
				}
			}
		}

		if len(acc) == 0 {
			log.Debug(log.CatIndex, "index lookup produced no candidates", "index", idx.Name())
			return Applicable(nil)
		}
	}

	if acc == nil {
		return NotApplicable()
	}
	return Applicable(m.ordered(acc))
}

func (m *Manager) ordered(set map[*metadata.EntityDescriptor]struct{}) []*metadata.EntityDescriptor {
	out := make([]*metadata.EntityDescriptor, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.position[out[i]] < m.position[out[j]]
	})
	return out
}

func dedupe(keys []Key) []Key {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[Key]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
