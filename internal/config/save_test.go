package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadResolvers(t *testing.T, path string) []ResolverConfig {
	t.Helper()
	cfg, _, err := Load(viper.New(), path)
	require.NoError(t, err)
	return cfg.Resolvers
}

func TestSaveResolvers_CreatesNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	err := SaveResolvers(path, []ResolverConfig{
		{ID: "local", Type: TypeFile, Source: "/etc/md.xml", Watch: true},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: local")
	assert.Contains(t, string(data), "type: file")
	assert.Contains(t, string(data), "watch: true")
	assert.NotContains(t, string(data), "refresh:", "empty sections are omitted")
}

func TestSaveResolvers_PreservesOtherConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := `# top comment
server:
  listen: ":9000" # api port
resolvers: []
tracing:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o600))

	require.NoError(t, SaveResolvers(path, []ResolverConfig{
		{ID: "fed", Type: TypeHTTP, Source: "https://md.example.org/fed.xml"},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# top comment")
	assert.Contains(t, content, "# api port")
	assert.Contains(t, content, "enabled: false")
	assert.Contains(t, content, "id: fed")
}

func TestSaveResolvers_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := []ResolverConfig{
		{
			ID:           "fed",
			Type:         TypeHTTP,
			Source:       "https://md.example.org/fed.xml",
			BackupFile:   "/var/cache/fed.xml",
			ContentTypes: []string{"application/samlmetadata+xml"},
			Timeout:      20 * time.Second,
			BasicAuth:    BasicAuthConfig{Username: "u", Password: "p"},
			Refresh: RefreshConfig{
				MinDelay:                   2 * time.Minute,
				MaxDelay:                   6 * time.Hour,
				DelayFactor:                0.5,
				ExpirationWarningThreshold: 24 * time.Hour,
			},
			RequireValidMetadata:   boolPtr(false),
			FailFastInitialization: boolPtr(true),
			Indexes:                []string{"role", "endpoint"},
			Filters: FilterConfig{
				RetainRoles:         []string{"IDPSSODescriptor"},
				ExcludeEntities:     []string{"https://bad.example.org"},
				RequireValidUntil:   true,
				MaxValidityInterval: 336 * time.Hour,
			},
		},
		{
			ID:     "mdq",
			Type:   TypeDynamicHTTP,
			Source: "https://mdq.example.org/",
			KeyGenerator: KeyGeneratorConfig{
				Type: KeyGenMDQ,
			},
			Dynamic: DynamicConfig{
				MinCacheDuration:            5 * time.Minute,
				NegativeLookupCacheDuration: 90 * time.Second,
				PersistentCache:             true,
				InitFromPersistentCache:     true,
			},
			SatisfyAnyPredicates: true,
		},
		{ID: "all", Type: TypeComposite, Members: []string{"fed", "mdq"}},
	}

	require.NoError(t, SaveResolvers(path, original))
	require.Equal(t, original, loadResolvers(t, path))
}

func TestSaveResolvers_QuotesAmbiguousScalars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	original := []ResolverConfig{
		{ID: "true", Type: TypeFile, Source: "123"},
	}

	require.NoError(t, SaveResolvers(path, original))
	require.Equal(t, original, loadResolvers(t, path))
}

func TestAddResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	existing := []ResolverConfig{{ID: "local", Type: TypeFile, Source: "/etc/md.xml"}}
	require.NoError(t, SaveResolvers(path, existing))

	require.NoError(t, AddResolver(path, ResolverConfig{ID: "all", Type: TypeComposite, Members: []string{"local"}}, existing))
	got := loadResolvers(t, path)
	require.Len(t, got, 2)
	require.Equal(t, "all", got[1].ID)

	err := AddResolver(path, ResolverConfig{ID: "local", Type: TypeFile, Source: "/x"}, got)
	require.ErrorContains(t, err, "already used")
	require.Len(t, loadResolvers(t, path), 2, "file untouched on validation failure")
}

func TestRemoveResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	existing := []ResolverConfig{
		{ID: "local", Type: TypeFile, Source: "/etc/md.xml"},
		{ID: "fed", Type: TypeHTTP, Source: "https://md.example.org/"},
		{ID: "all", Type: TypeComposite, Members: []string{"local"}},
	}
	require.NoError(t, SaveResolvers(path, existing))

	require.ErrorContains(t, RemoveResolver(path, "nope", existing), `resolver "nope" not found`)
	require.ErrorContains(t, RemoveResolver(path, "local", existing), `unknown member "local"`)

	require.NoError(t, RemoveResolver(path, "fed", existing))
	got := loadResolvers(t, path)
	require.Len(t, got, 2)
	require.Equal(t, "local", got[0].ID)
	require.Equal(t, "all", got[1].ID)
}

func TestSaveResolvers_RejectsNonMappingRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- a\n- b\n"), 0o600))

	err := SaveResolvers(path, nil)
	require.ErrorContains(t, err, "not a mapping")
}
