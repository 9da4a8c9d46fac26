// Package config provides configuration types and defaults for mdresolve.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zjrosen/mdresolve/internal/index"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/tracing"
)

// Resolver types.
const (
	TypeFile         = "file"
	TypeHTTP         = "http"
	TypeDynamicHTTP  = "dynamic-http"
	TypeDynamicLocal = "dynamic-local"
	TypeComposite    = "composite"
)

// Key generator types for dynamic resolvers.
const (
	KeyGenDigest   = "digest"
	KeyGenIdentity = "identity"
	KeyGenRegex    = "regex"
	KeyGenMDQ      = "mdq"
)

// Config holds all configuration options for mdresolve.
type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	Resolvers []ResolverConfig `mapstructure:"resolvers"`
	Server    ServerConfig     `mapstructure:"server"`
	Tracing   tracing.Config   `mapstructure:"tracing"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Flags     map[string]bool  `mapstructure:"flags"`
}

// LogConfig controls the debug log.
type LogConfig struct {
	File  string `mapstructure:"file"`  // empty disables logging, "-" is stderr
	Level string `mapstructure:"level"` // debug, info (default), warn, error
}

// ServerConfig holds the HTTP API settings used by `mdresolve serve`.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// EnableDebug exposes /debug/log.
	EnableDebug bool `mapstructure:"enable_debug"`
}

// CacheConfig locates the sqlite database backing persistent dynamic caches.
type CacheConfig struct {
	Path string `mapstructure:"path"`
}

// ResolverConfig defines one metadata resolver.
type ResolverConfig struct {
	ID   string `mapstructure:"id"`
	Type string `mapstructure:"type"` // file, http, dynamic-http, dynamic-local or composite

	// Source is a file path, URL, directory or MDQ base URL depending on Type.
	Source       string          `mapstructure:"source"`
	BackupFile   string          `mapstructure:"backup_file"` // http only
	ContentTypes []string        `mapstructure:"content_types"`
	UserAgent    string          `mapstructure:"user_agent"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	BasicAuth    BasicAuthConfig `mapstructure:"basic_auth"`
	Watch        bool            `mapstructure:"watch"` // file only; refresh on change

	Members []string `mapstructure:"members"` // composite only, in query order

	Refresh RefreshConfig `mapstructure:"refresh"`

	RequireValidMetadata     *bool `mapstructure:"require_valid_metadata"` // nil = true
	SatisfyAnyPredicates     bool  `mapstructure:"satisfy_any_predicates"`
	ResolveViaPredicatesOnly bool  `mapstructure:"resolve_via_predicates_only"`
	FailFastInitialization   *bool `mapstructure:"fail_fast_initialization"` // nil = true

	Indexes      []string           `mapstructure:"indexes"`
	Filters      FilterConfig       `mapstructure:"filters"`
	KeyGenerator KeyGeneratorConfig `mapstructure:"key_generator"`
	Dynamic      DynamicConfig      `mapstructure:"dynamic"`
}

// BasicAuthConfig holds HTTP basic credentials.
type BasicAuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RefreshConfig is the batch refresh policy. Zero values use defaults.
type RefreshConfig struct {
	MinDelay                   time.Duration `mapstructure:"min_delay"`
	MaxDelay                   time.Duration `mapstructure:"max_delay"`
	DelayFactor                float64       `mapstructure:"delay_factor"`
	ExpirationWarningThreshold time.Duration `mapstructure:"expiration_warning_threshold"`
}

// FilterConfig lists the built-in filters applied to each fetched document.
type FilterConfig struct {
	RetainRoles         []string      `mapstructure:"retain_roles"`
	ExcludeEntities     []string      `mapstructure:"exclude_entities"`
	RequireValidUntil   bool          `mapstructure:"require_valid_until"`
	MaxValidityInterval time.Duration `mapstructure:"max_validity_interval"`
}

// KeyGeneratorConfig selects how dynamic resolvers turn criteria into fetch keys.
type KeyGeneratorConfig struct {
	Type        string `mapstructure:"type"` // digest (default), identity, regex, mdq
	Algorithm   string `mapstructure:"algorithm"`
	Prefix      string `mapstructure:"prefix"`
	Suffix      string `mapstructure:"suffix"`
	UpperCase   bool   `mapstructure:"upper_case"`
	Pattern     string `mapstructure:"pattern"`
	Replacement string `mapstructure:"replacement"`
	BaseURL     string `mapstructure:"base_url"` // mdq; defaults to Source
}

// DynamicConfig is the per-entity cache policy. Zero values use defaults.
type DynamicConfig struct {
	MinCacheDuration            time.Duration `mapstructure:"min_cache_duration"`
	MaxCacheDuration            time.Duration `mapstructure:"max_cache_duration"`
	NegativeLookupCacheDuration time.Duration `mapstructure:"negative_lookup_cache_duration"`
	PersistentCache             bool          `mapstructure:"persistent_cache"`
	InitFromPersistentCache     bool          `mapstructure:"init_from_persistent_cache"`
}

// RequireValid reports whether expired metadata is hidden (defaults to true if nil).
func (r ResolverConfig) RequireValid() bool {
	return r.RequireValidMetadata == nil || *r.RequireValidMetadata
}

// FailFast reports whether a failed first refresh is fatal (defaults to true if nil).
func (r ResolverConfig) FailFast() bool {
	return r.FailFastInitialization == nil || *r.FailFastInitialization
}

// IsDynamic reports whether the resolver fetches per entity on demand.
func (r ResolverConfig) IsDynamic() bool {
	return r.Type == TypeDynamicHTTP || r.Type == TypeDynamicLocal
}

// DefaultTracesFilePath returns ~/.config/mdresolve/traces/traces.jsonl, or
// an empty string if the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mdresolve", "traces", "traces.jsonl")
}

// DefaultCachePath returns ~/.config/mdresolve/cache.db, or an empty string
// if the home directory is unavailable.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mdresolve", "cache.db")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tr := tracing.DefaultConfig()
	tr.FilePath = DefaultTracesFilePath()
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8480",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: tr,
		Cache: CacheConfig{
			Path: DefaultCachePath(),
		},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := ValidateResolvers(c.Resolvers); err != nil {
		return err
	}
	if err := ValidateServer(c.Server); err != nil {
		return err
	}
	if err := ValidateCache(c.Cache, c.Resolvers); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// Resolver returns the resolver with the given ID.
func (c Config) Resolver(id string) (ResolverConfig, bool) {
	for _, r := range c.Resolvers {
		if r.ID == id {
			return r, true
		}
	}
	return ResolverConfig{}, false
}

// ValidateResolvers checks resolver definitions for errors.
// An empty list is valid; commands that need a resolver report it.
func ValidateResolvers(resolvers []ResolverConfig) error {
	seen := make(map[string]int, len(resolvers))
	for i, r := range resolvers {
		if r.ID == "" {
			return fmt.Errorf("resolvers[%d]: id is required", i)
		}
		if j, dup := seen[r.ID]; dup {
			return fmt.Errorf("resolvers[%d]: id %q already used by resolvers[%d]", i, r.ID, j)
		}
		seen[r.ID] = i

		if err := validateResolver(i, r); err != nil {
			return err
		}
	}

	// Members may be declared after the composite that uses them.
	for i, r := range resolvers {
		if r.Type != TypeComposite {
			continue
		}
		for _, m := range r.Members {
			if m == r.ID {
				return fmt.Errorf("resolvers[%d] (%s): composite cannot contain itself", i, r.ID)
			}
			j, ok := seen[m]
			if !ok {
				return fmt.Errorf("resolvers[%d] (%s): unknown member %q", i, r.ID, m)
			}
			if resolvers[j].Type == TypeComposite {
				return fmt.Errorf("resolvers[%d] (%s): member %q is itself a composite", i, r.ID, m)
			}
		}
	}
	return nil
}

func validateResolver(i int, r ResolverConfig) error {
	prefix := fmt.Sprintf("resolvers[%d] (%s)", i, r.ID)

	switch r.Type {
	case TypeFile, TypeHTTP, TypeDynamicHTTP, TypeDynamicLocal:
		if r.Source == "" && !(r.Type == TypeDynamicHTTP && r.KeyGenerator.Type == KeyGenMDQ && r.KeyGenerator.BaseURL != "") {
			return fmt.Errorf("%s: source is required for %s resolvers", prefix, r.Type)
		}
	case TypeComposite:
		if len(r.Members) == 0 {
			return fmt.Errorf("%s: members is required for composite resolvers", prefix)
		}
		return nil
	default:
		return fmt.Errorf("%s: invalid type %q (must be %q, %q, %q, %q or %q)",
			prefix, r.Type, TypeFile, TypeHTTP, TypeDynamicHTTP, TypeDynamicLocal, TypeComposite)
	}

	if (r.Type == TypeHTTP || r.Type == TypeDynamicHTTP) && !strings.Contains(r.Source, "://") && r.Source != "" {
		return fmt.Errorf("%s: source must be an absolute URL, got %q", prefix, r.Source)
	}
	if r.BackupFile != "" && r.Type != TypeHTTP {
		return fmt.Errorf("%s: backup_file is only supported for http resolvers", prefix)
	}
	if r.Watch && r.Type != TypeFile {
		return fmt.Errorf("%s: watch is only supported for file resolvers", prefix)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%s: timeout cannot be negative", prefix)
	}

	if err := validateRefresh(prefix, r.Refresh); err != nil {
		return err
	}
	if r.Filters.MaxValidityInterval < 0 {
		return fmt.Errorf("%s: filters.max_validity_interval cannot be negative", prefix)
	}
	if r.Filters.MaxValidityInterval > 0 && !r.Filters.RequireValidUntil {
		return fmt.Errorf("%s: filters.max_validity_interval requires filters.require_valid_until", prefix)
	}
	if _, err := index.ByNames(r.Indexes); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	if r.IsDynamic() {
		if err := validateKeyGenerator(prefix, r); err != nil {
			return err
		}
		return validateDynamic(prefix, r.Dynamic)
	}
	if r.KeyGenerator != (KeyGeneratorConfig{}) {
		return fmt.Errorf("%s: key_generator is only supported for dynamic resolvers", prefix)
	}
	if r.Dynamic != (DynamicConfig{}) {
		return fmt.Errorf("%s: dynamic is only supported for dynamic resolvers", prefix)
	}
	return nil
}

func validateRefresh(prefix string, rc RefreshConfig) error {
	if rc.MinDelay < 0 {
		return fmt.Errorf("%s: refresh.min_delay cannot be negative", prefix)
	}
	if rc.MaxDelay < 0 {
		return fmt.Errorf("%s: refresh.max_delay cannot be negative", prefix)
	}
	if rc.MinDelay > 0 && rc.MaxDelay > 0 && rc.MinDelay > rc.MaxDelay {
		return fmt.Errorf("%s: refresh.min_delay %s is greater than refresh.max_delay %s", prefix, rc.MinDelay, rc.MaxDelay)
	}
	if rc.DelayFactor != 0 && (rc.DelayFactor <= 0 || rc.DelayFactor >= 1) {
		return fmt.Errorf("%s: refresh.delay_factor must be between 0.0 and 1.0, exclusive, got %v", prefix, rc.DelayFactor)
	}
	if rc.ExpirationWarningThreshold < 0 {
		return fmt.Errorf("%s: refresh.expiration_warning_threshold cannot be negative", prefix)
	}
	return nil
}

func validateKeyGenerator(prefix string, r ResolverConfig) error {
	kg := r.KeyGenerator
	switch kg.Type {
	case "", KeyGenDigest:
		switch strings.ToLower(kg.Algorithm) {
		case "", "sha1", "sha256":
		default:
			return fmt.Errorf("%s: key_generator.algorithm must be \"sha1\" or \"sha256\", got %q", prefix, kg.Algorithm)
		}
	case KeyGenIdentity:
	case KeyGenRegex:
		if kg.Pattern == "" {
			return fmt.Errorf("%s: key_generator.pattern is required for regex key generators", prefix)
		}
		if _, err := regexp.Compile(kg.Pattern); err != nil {
			return fmt.Errorf("%s: key_generator.pattern: %w", prefix, err)
		}
	case KeyGenMDQ:
		if r.Type != TypeDynamicHTTP {
			return fmt.Errorf("%s: mdq key generators require a dynamic-http resolver", prefix)
		}
	default:
		return fmt.Errorf("%s: invalid key_generator.type %q (must be %q, %q, %q or %q)",
			prefix, kg.Type, KeyGenDigest, KeyGenIdentity, KeyGenRegex, KeyGenMDQ)
	}
	return nil
}

func validateDynamic(prefix string, d DynamicConfig) error {
	if d.MinCacheDuration < 0 || d.MaxCacheDuration < 0 || d.NegativeLookupCacheDuration < 0 {
		return fmt.Errorf("%s: dynamic cache durations cannot be negative", prefix)
	}
	if d.MinCacheDuration > 0 && d.MaxCacheDuration > 0 && d.MinCacheDuration > d.MaxCacheDuration {
		return fmt.Errorf("%s: dynamic.min_cache_duration %s is greater than dynamic.max_cache_duration %s",
			prefix, d.MinCacheDuration, d.MaxCacheDuration)
	}
	if d.InitFromPersistentCache && !d.PersistentCache {
		return fmt.Errorf("%s: dynamic.init_from_persistent_cache requires dynamic.persistent_cache", prefix)
	}
	return nil
}

// ValidateServer checks the HTTP API settings.
func ValidateServer(s ServerConfig) error {
	if s.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port, got %q", s.Listen)
	}
	if s.ReadTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}
	return nil
}

// ValidateCache checks the persistent cache location when any resolver uses it.
func ValidateCache(c CacheConfig, resolvers []ResolverConfig) error {
	for _, r := range resolvers {
		if !r.Dynamic.PersistentCache {
			continue
		}
		if c.Path == "" {
			return fmt.Errorf("cache.path is required when resolver %q uses a persistent cache", r.ID)
		}
		if !filepath.IsAbs(c.Path) {
			return fmt.Errorf("cache.path must be an absolute path, got %q", c.Path)
		}
		break
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tr tracing.Config) error {
	if tr.SampleRate < 0.0 || tr.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tr.SampleRate)
	}

	if tr.Exporter != "" {
		switch tr.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tr.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tr.Enabled {
		if tr.Exporter == "file" && tr.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tr.Exporter == "otlp" && tr.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# mdresolve configuration

# Debug log
log:
  # file: /var/log/mdresolve.log   # "-" logs to stderr; empty disables logging
  level: info                      # debug, info, warn or error

# Metadata resolvers, queried in the order listed.
# Types:
#   file           whole document from a local file (optionally watched)
#   http           whole document from a URL, with an optional backup file
#   dynamic-http   one document per entity, fetched on demand (MDQ and similar)
#   dynamic-local  one document per entity from a directory
#   composite      queries its members in order, first match wins
resolvers: []
# resolvers:
#   - id: federation
#     type: http
#     source: https://metadata.example.org/federation.xml
#     backup_file: /var/cache/mdresolve/federation.xml
#     refresh:
#       min_delay: 5m
#       max_delay: 4h
#       delay_factor: 0.75
#       expiration_warning_threshold: 24h
#     indexes: [role, artifact, endpoint]
#     filters:
#       retain_roles: [IDPSSODescriptor, SPSSODescriptor]
#       require_valid_until: true
#       max_validity_interval: 336h
#
#   - id: local
#     type: file
#     source: /etc/mdresolve/local-metadata.xml
#     watch: true
#     fail_fast_initialization: false
#
#   - id: mdq
#     type: dynamic-http
#     source: https://mdq.example.org/
#     key_generator:
#       type: mdq
#     dynamic:
#       min_cache_duration: 10m
#       max_cache_duration: 8h
#       negative_lookup_cache_duration: 10m
#       persistent_cache: true
#       init_from_persistent_cache: true
#
#   - id: all
#     type: composite
#     members: [local, federation, mdq]

# HTTP API (mdresolve serve)
server:
  listen: 127.0.0.1:8480
  read_timeout: 10s
  shutdown_timeout: 10s
  enable_debug: false

# Persistent cache for dynamic resolvers
# cache:
#   path: ~/.config/mdresolve/cache.db

# Feature flags
# flags:
#   memory-only-cache: false       # ignore persistent_cache on dynamic resolvers
#   no-implicit-composite: false   # without a composite, default to the first resolver

# Distributed tracing of refresh cycles and dynamic fetches
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/mdresolve/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
