package resolver

import (
	"fmt"
	"time"

	"github.com/zjrosen/mdresolve/internal/index"
)

// Config holds the policy shared by batch resolvers.
type Config struct {
	MinRefreshDelay    time.Duration
	MaxRefreshDelay    time.Duration
	RefreshDelayFactor float64
	// ExpirationWarningThreshold warns when the live document expires
	// within this window after a refresh. Zero disables the warning.
	ExpirationWarningThreshold time.Duration

	RequireValidMetadata     bool
	SatisfyAnyPredicates     bool
	ResolveViaPredicatesOnly bool
	// FailFastInitialization makes a failed first refresh fatal. When unset
	// the resolver starts with an empty snapshot.
	FailFastInitialization bool

	Indexes []index.Index
}

// DefaultConfig returns the default refresh policy.
func DefaultConfig() Config {
	return Config{
		MinRefreshDelay:        5 * time.Minute,
		MaxRefreshDelay:        4 * time.Hour,
		RefreshDelayFactor:     0.75,
		RequireValidMetadata:   true,
		FailFastInitialization: true,
	}
}

// ConfigError reports an invalid resolver setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid resolver config: %s %s", e.Field, e.Reason)
}

// Validate checks the refresh policy.
func (c Config) Validate() error {
	if c.MinRefreshDelay <= 0 {
		return &ConfigError{Field: "min_refresh_delay", Reason: "must be greater than 0"}
	}
	if c.MaxRefreshDelay <= 0 {
		return &ConfigError{Field: "max_refresh_delay", Reason: "must be greater than 0"}
	}
	if c.MinRefreshDelay > c.MaxRefreshDelay {
		return &ConfigError{
			Field:  "min_refresh_delay",
			Reason: fmt.Sprintf("%s is greater than max_refresh_delay %s", c.MinRefreshDelay, c.MaxRefreshDelay),
		}
	}
	if c.RefreshDelayFactor <= 0 || c.RefreshDelayFactor >= 1 {
		return &ConfigError{Field: "refresh_delay_factor", Reason: "must be between 0.0 and 1.0, exclusive"}
	}
	if c.ExpirationWarningThreshold < 0 {
		return &ConfigError{Field: "expiration_warning_threshold", Reason: "cannot be negative"}
	}
	return nil
}

// ComputeNextRefreshDelay returns (expiration-now)*factor, raised to
// MinRefreshDelay. A zero expiration yields MinRefreshDelay.
func (c Config) ComputeNextRefreshDelay(expiration, now time.Time) time.Duration {
	if expiration.IsZero() {
		return c.MinRefreshDelay
	}
	delay := time.Duration(float64(expiration.Sub(now)) * c.RefreshDelayFactor)
	if delay < c.MinRefreshDelay {
		return c.MinRefreshDelay
	}
	return delay
}
