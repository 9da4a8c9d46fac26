package dynamic

import (
	"fmt"
	"time"

	"github.com/zjrosen/mdresolve/internal/index"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/resolver"
)

// Config holds the caching policy of a dynamic resolver.
type Config struct {
	MinCacheDuration time.Duration
	MaxCacheDuration time.Duration
	// RefreshDelayFactor scales the time until the entity's earliest
	// expiration into its cache lifetime.
	RefreshDelayFactor float64
	// NegativeLookupCacheDuration remembers not-found keys. Zero disables
	// the negative cache.
	NegativeLookupCacheDuration time.Duration

	RequireValidMetadata     bool
	SatisfyAnyPredicates     bool
	ResolveViaPredicatesOnly bool
	InitFromPersistentCache  bool

	Indexes []index.Index
}

func DefaultConfig() Config {
	return Config{
		MinCacheDuration:            10 * time.Minute,
		MaxCacheDuration:            8 * time.Hour,
		RefreshDelayFactor:          0.75,
		NegativeLookupCacheDuration: 10 * time.Minute,
		RequireValidMetadata:        true,
	}
}

func (c Config) Validate() error {
	if c.MinCacheDuration <= 0 {
		return &resolver.ConfigError{Field: "min_cache_duration", Reason: "must be greater than 0"}
	}
	if c.MaxCacheDuration <= 0 {
		return &resolver.ConfigError{Field: "max_cache_duration", Reason: "must be greater than 0"}
	}
	if c.MinCacheDuration > c.MaxCacheDuration {
		return &resolver.ConfigError{
			Field:  "min_cache_duration",
			Reason: fmt.Sprintf("%s is greater than max_cache_duration %s", c.MinCacheDuration, c.MaxCacheDuration),
		}
	}
	if c.RefreshDelayFactor <= 0 || c.RefreshDelayFactor >= 1 {
		return &resolver.ConfigError{Field: "refresh_delay_factor", Reason: "must be between 0.0 and 1.0, exclusive"}
	}
	if c.NegativeLookupCacheDuration < 0 {
		return &resolver.ConfigError{Field: "negative_lookup_cache_duration", Reason: "cannot be negative"}
	}
	return nil
}

// CacheTTL returns how long a fetched document may be served from cache:
// the time to its earliest expiration (capped at MaxCacheDuration) scaled by
// RefreshDelayFactor, then clamped to [MinCacheDuration, MaxCacheDuration].
func (c Config) CacheTTL(doc metadata.Element, now time.Time) time.Duration {
	exp := metadata.EarliestExpiration(doc, now.Add(c.MaxCacheDuration), now)
	ttl := time.Duration(float64(exp.Sub(now)) * c.RefreshDelayFactor)
	return min(max(ttl, c.MinCacheDuration), c.MaxCacheDuration)
}
