// Package flags provides feature flags read from the `flags` config section.
// Flags are read-only after initialization; unknown flags are disabled.
package flags

import (
	"maps"
	"slices"

	"github.com/zjrosen/mdresolve/internal/log"
)

const (
	// FlagMemoryOnlyCache keeps dynamic resolvers in memory even when their
	// config asks for persistent_cache. The sqlite file is never opened.
	FlagMemoryOnlyCache = "memory-only-cache"

	// FlagNoImplicitComposite stops the app from building the "default"
	// composite when several resolvers exist but none is a composite. Queries
	// without a resolver then go to the first configured one.
	FlagNoImplicitComposite = "no-implicit-composite"
)

var known = []string{FlagMemoryOnlyCache, FlagNoImplicitComposite}

// Registry holds feature flag state loaded from configuration.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from a config map. A nil map disables every flag.
func New(flags map[string]bool) *Registry {
	r := &Registry{flags: maps.Clone(flags)}
	if r.flags == nil {
		r.flags = make(map[string]bool)
	}
	for name := range r.flags {
		if !slices.Contains(known, name) {
			log.Warn(log.CatConfig, "Ignoring unknown feature flag", "flag", name)
		}
	}
	log.Debug(log.CatConfig, "Feature flags initialized", "count", len(r.flags), "flags", r.All())
	return r
}

// Enabled reports whether the named flag is on. Nil-safe.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	return r.flags[name]
}

// All returns a copy of all flags.
func (r *Registry) All() map[string]bool {
	if r == nil {
		return make(map[string]bool)
	}
	return maps.Clone(r.flags)
}

// Known lists the flags this build understands.
func Known() []string {
	return slices.Clone(known)
}
