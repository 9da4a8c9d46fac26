// Package store holds the immutable entity snapshot a resolver serves queries
// from. Snapshots are built once by a Builder and replaced wholesale.
package store

import (
	"slices"

	"github.com/zjrosen/mdresolve/internal/index"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// Snapshot is a read-only view of one processed document.
type Snapshot struct {
	byID      map[string][]*metadata.EntityDescriptor
	ordered   []*metadata.EntityDescriptor
	original  metadata.Element
	filtered  metadata.Element
	secondary *index.Manager
}

var empty = &Snapshot{byID: map[string][]*metadata.EntityDescriptor{}}

// Empty returns the shared snapshot with no entities.
func Empty() *Snapshot {
	return empty
}

// Lookup returns the entities indexed under id. The returned slice is a copy.
func (s *Snapshot) Lookup(id string) []*metadata.EntityDescriptor {
	return slices.Clone(s.byID[id])
}

// Entities returns every entity in insertion order. The returned slice is a copy.
func (s *Snapshot) Entities() []*metadata.EntityDescriptor {
	return slices.Clone(s.ordered)
}

// Len returns the number of entities, duplicates included.
func (s *Snapshot) Len() int {
	return len(s.ordered)
}

// IDs returns the distinct entity IDs in first-seen order.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.byID))
	seen := make(map[string]struct{}, len(s.byID))
	for _, e := range s.ordered {
		if _, ok := seen[e.EntityID]; ok {
			continue
		}
		seen[e.EntityID] = struct{}{}
		ids = append(ids, e.EntityID)
	}
	return ids
}

// Original returns the cached unfiltered document, if retained.
func (s *Snapshot) Original() metadata.Element {
	return s.original
}

// Filtered returns the cached filtered document, if retained.
func (s *Snapshot) Filtered() metadata.Element {
	return s.filtered
}

// Secondary returns the secondary index manager, nil when no indexes are configured.
func (s *Snapshot) Secondary() *index.Manager {
	return s.secondary
}

// Builder accumulates entities for a new snapshot. A Builder is single-use
// and not safe for concurrent use.
type Builder struct {
	name     string
	indexes  []index.Index
	byID     map[string][]*metadata.EntityDescriptor
	ordered  []*metadata.EntityDescriptor
	original metadata.Element
	filtered metadata.Element
}

// NewBuilder starts a snapshot for the named resolver.
func NewBuilder(name string, indexes []index.Index) *Builder {
	return &Builder{
		name:    name,
		indexes: indexes,
		byID:    make(map[string][]*metadata.EntityDescriptor),
	}
}

// SetDocuments records the original and filtered documents.
func (b *Builder) SetDocuments(original, filtered metadata.Element) {
	b.original = original
	b.filtered = filtered
}

// Add indexes an entity. Duplicate IDs are kept alongside the first entity
// and logged.
func (b *Builder) Add(e *metadata.EntityDescriptor) {
	if existing := b.byID[e.EntityID]; len(existing) > 0 {
		log.Warn(log.CatStore, "duplicate entityID in metadata",
			"resolver", b.name, "entityID", e.EntityID, "count", len(existing)+1)
	}
	b.byID[e.EntityID] = append(b.byID[e.EntityID], e)
	b.ordered = append(b.ordered, e)
}

// Build finalises the snapshot and its secondary indexes.
func (b *Builder) Build() *Snapshot {
	s := &Snapshot{
		byID:     b.byID,
		ordered:  b.ordered,
		original: b.original,
		filtered: b.filtered,
	}
	if len(b.indexes) > 0 {
		s.secondary = index.Build(b.indexes, b.ordered)
	}
	return s
}
