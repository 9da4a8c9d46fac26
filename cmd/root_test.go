package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/mdresolve/internal/app"
	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/presentation"
	"github.com/zjrosen/mdresolve/internal/testutil"
)

const (
	idpID = testutil.StandardIdP
	spID  = testutil.StandardSP
)

// federation renders a two-entity group valid until 2099.
func federation() []byte {
	return testutil.NewBuilder("urn:test:fed").
		ValidUntil(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)).
		WithEntity(idpID, testutil.Role(metadata.RoleIDPSSO,
			testutil.Endpoint("SingleSignOnService", testutil.BindingRedir, "https://idp.example.org/sso"))).
		WithEntity(spID, testutil.Role(metadata.RoleSPSSO,
			testutil.IndexedEndpoint("AssertionConsumerService", testutil.BindingPOST, "https://sp.example.org/acs", 0))).
		Build()
}

// execute runs the command tree with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// writeConfig writes a config with one file resolver over the test
// federation and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mdPath := filepath.Join(dir, "fed.xml")
	require.NoError(t, os.WriteFile(mdPath, federation(), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.WriteDefaultConfig(cfgPath))
	require.NoError(t, config.SaveResolvers(cfgPath, []config.ResolverConfig{
		{ID: "fed", Type: config.TypeFile, Source: mdPath, Indexes: []string{"role"}},
	}))
	return cfgPath
}

func TestResolve(t *testing.T) {
	cfgPath := writeConfig(t)

	t.Run("yaml", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "resolve", idpID)
		require.NoError(t, err)
		var dto presentation.EntityDTO
		require.NoError(t, yaml.Unmarshal([]byte(out), &dto))
		assert.Equal(t, idpID, dto.EntityID)
		assert.Equal(t, "IDPSSODescriptor", dto.Roles[0].Kind)
	})

	t.Run("json with role", func(t *testing.T) {
		out, err := execute(t, "-c", cfgPath, "resolve", spID, "--role", "sp", "-o", "json")
		require.NoError(t, err)
		var dto presentation.EntityDTO
		require.NoError(t, json.Unmarshal([]byte(out), &dto))
		assert.Equal(t, spID, dto.EntityID)
	})

	t.Run("role mismatch", func(t *testing.T) {
		_, err := execute(t, "-c", cfgPath, "resolve", spID, "--role", "idp")
		require.ErrorIs(t, err, errNotFound)
	})

	t.Run("unknown resolver", func(t *testing.T) {
		_, err := execute(t, "-c", cfgPath, "resolve", idpID, "--resolver", "nope")
		require.ErrorIs(t, err, app.ErrUnknownResolver)
	})

	t.Run("bad output format", func(t *testing.T) {
		_, err := execute(t, "-c", cfgPath, "resolve", idpID, "-o", "xml")
		require.ErrorContains(t, err, "unsupported output format")
	})
}

func TestQuery(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "-c", cfgPath, "query", "--role", "idp", "-o", "json")
	require.NoError(t, err)
	var entities []presentation.EntityDTO
	require.NoError(t, json.Unmarshal([]byte(out), &entities))
	require.Len(t, entities, 1)
	assert.Equal(t, idpID, entities[0].EntityID)

	out, err = execute(t, "-c", cfgPath, "query", "--entity-id", spID, "--roles", "-o", "json")
	require.NoError(t, err)
	var roles []presentation.RoleDTO
	require.NoError(t, json.Unmarshal([]byte(out), &roles))
	require.Len(t, roles, 1)
	assert.Equal(t, "SPSSODescriptor", roles[0].Kind)

	_, err = execute(t, "-c", cfgPath, "query", "--attribute", "novalue")
	require.ErrorContains(t, err, "want name=value")
}

func TestStatus(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	var statuses []app.ResolverStatus
	require.NoError(t, yaml.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "fed", statuses[0].ID)
	assert.Equal(t, 2, statuses[0].Entities)
	require.NotNil(t, statuses[0].ExpirationTime)

	out, err = execute(t, "-c", cfgPath, "status", "fed", "-o", "json")
	require.NoError(t, err)
	var one app.ResolverStatus
	require.NoError(t, json.Unmarshal([]byte(out), &one))
	assert.Equal(t, config.TypeFile, one.Type)

	_, err = execute(t, "-c", cfgPath, "status", "nope")
	require.ErrorIs(t, err, app.ErrUnknownResolver)
}

func TestNoResolversConfigured(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.WriteDefaultConfig(cfgPath))

	_, err := execute(t, "-c", cfgPath, "status")
	require.ErrorContains(t, err, "no resolvers configured")
	require.ErrorContains(t, err, "config init")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "status")
	require.ErrorContains(t, err, "reading config")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.xml")
	require.NoError(t, os.WriteFile(good, federation(), 0o600))

	t.Run("valid document", func(t *testing.T) {
		out, err := execute(t, "validate", good, "-o", "json")
		require.NoError(t, err)
		var report ValidationReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.Valid)
		assert.Equal(t, "EntitiesDescriptor", report.Root)
		assert.Equal(t, "urn:test:fed", report.Name)
		assert.Equal(t, 1, report.Groups)
		assert.Equal(t, 2, report.Entities)
		assert.Equal(t, map[string]int{"IDPSSODescriptor": 1, "SPSSODescriptor": 1}, report.Roles)
		require.NotNil(t, report.ValidUntil)
		assert.Equal(t, 2099, report.ValidUntil.Year())
	})

	t.Run("max validity exceeded", func(t *testing.T) {
		out, err := execute(t, "validate", good, "--require-valid-until", "--max-validity", "336h")
		require.ErrorIs(t, err, errInvalidDocument)
		assert.Contains(t, out, "more than")
	})

	t.Run("expired", func(t *testing.T) {
		expired := filepath.Join(dir, "expired.xml")
		require.NoError(t, os.WriteFile(expired, []byte(
			`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="urn:old" validUntil="2000-01-01T00:00:00Z"/>`), 0o600))
		out, err := execute(t, "validate", expired)
		require.ErrorIs(t, err, errInvalidDocument)
		assert.Contains(t, out, "document root is expired")
	})

	t.Run("unparseable", func(t *testing.T) {
		broken := filepath.Join(dir, "broken.xml")
		require.NoError(t, os.WriteFile(broken, []byte("<EntitiesDescriptor"), 0o600))
		_, err := execute(t, "validate", broken)
		require.ErrorContains(t, err, "parsing")
	})
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	out, err := execute(t, "-c", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigTemplate(), string(data))

	_, err = execute(t, "-c", path, "config", "init")
	require.ErrorContains(t, err, "already exists")

	_, err = execute(t, "-c", path, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigAddAndRemoveResolver(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := execute(t, "-c", cfgPath, "config", "add-resolver",
		"--id", "all", "--type", "composite", "--member", "fed")
	require.NoError(t, err)
	_, err = execute(t, "-c", cfgPath, "config", "add-resolver",
		"--id", "mdq", "--type", "dynamic-http", "--source", "https://mdq.example.org/", "--key-generator", "mdq", "--no-fail-fast")
	require.NoError(t, err)

	_, err = execute(t, "-c", cfgPath, "config", "add-resolver", "--id", "fed", "--type", "file", "--source", "/x")
	require.ErrorContains(t, err, "already used")

	_, err = execute(t, "-c", cfgPath, "config", "remove-resolver", "fed")
	require.ErrorContains(t, err, `unknown member "fed"`)

	_, err = execute(t, "-c", cfgPath, "config", "remove-resolver", "mdq")
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: all")
	assert.NotContains(t, string(data), "id: mdq")
	assert.Contains(t, string(data), "# mdresolve configuration", "comments survive edits")
}
