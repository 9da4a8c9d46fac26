package app

import (
	"context"
	"crypto/sha1" //nolint:gosec // key derivation under test
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/flags"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/metrics"
	"github.com/zjrosen/mdresolve/internal/pubsub"
	"github.com/zjrosen/mdresolve/internal/resolver"
)

func document(ids ...string) []byte {
	var b strings.Builder
	b.WriteString(`<EntitiesDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" Name="test">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<EntityDescriptor entityID="%s"><IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/></EntityDescriptor>`, id)
	}
	b.WriteString("</EntitiesDescriptor>")
	return []byte(b.String())
}

func entity(id string) []byte {
	return []byte(fmt.Sprintf(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="%s"><SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/></EntityDescriptor>`, id))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec // key derivation under test
	return hex.EncodeToString(sum[:])
}

func metadataServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func resolveID(t *testing.T, r resolver.Resolver, id string) *metadata.EntityDescriptor {
	t.Helper()
	e, err := r.ResolveSingle(context.Background(), criteria.NewSet(criteria.EntityID(id)))
	require.NoError(t, err)
	return e
}

func TestNew_Errors(t *testing.T) {
	_, err := New(config.Defaults())
	require.ErrorContains(t, err, "no resolvers configured")

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{{ID: "x", Type: "ftp", Source: "/x"}}
	_, err = New(cfg)
	require.ErrorContains(t, err, "invalid configuration")
}

func TestApp_BatchResolversAndComposite(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.xml")
	require.NoError(t, os.WriteFile(localPath, document("https://local.example.org"), 0o600))
	backup := filepath.Join(dir, "backup", "fed.xml")
	srv := metadataServer(t, document("https://idp.example.org", "https://idp2.example.org"))

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{
		{ID: "local", Type: config.TypeFile, Source: localPath},
		{ID: "fed", Type: config.TypeHTTP, Source: srv.URL, BackupFile: backup, Indexes: []string{"role"}},
		{ID: "all", Type: config.TypeComposite, Members: []string{"local", "fed"}},
	}
	m := metrics.New()
	a := newApp(t, cfg, WithMetrics(m), WithHTTPClient(srv.Client()))

	require.Equal(t, []string{"local", "fed", "all"}, a.IDs())
	require.Same(t, m, a.Metrics())

	def, err := a.Resolver("")
	require.NoError(t, err)
	require.Equal(t, "all", def.ID())
	require.NotNil(t, resolveID(t, def, "https://local.example.org"))
	require.NotNil(t, resolveID(t, def, "https://idp2.example.org"))
	require.Nil(t, resolveID(t, def, "https://missing.example.org"))

	fed, err := a.Resolver("fed")
	require.NoError(t, err)
	require.Nil(t, resolveID(t, fed, "https://local.example.org"))

	_, err = a.Resolver("nope")
	require.ErrorIs(t, err, ErrUnknownResolver)

	_, err = os.Stat(backup)
	require.NoError(t, err, "backup written after first fetch")

	statuses := a.Status()
	require.Len(t, statuses, 3)
	require.Equal(t, 1, statuses[0].Entities)
	require.Equal(t, localPath, statuses[0].Source)
	require.Equal(t, 2, statuses[1].Entities)
	require.NotNil(t, statuses[1].LastRefreshSucceeded)
	require.True(t, *statuses[1].LastRefreshSucceeded)
	require.NotNil(t, statuses[1].NextRefresh)
	require.Equal(t, 3, statuses[2].Entities)
	require.Equal(t, []string{"local", "fed"}, statuses[2].Members)

	require.NoError(t, a.Refresh(context.Background(), "fed"))
	require.NoError(t, a.Refresh(context.Background(), "all"))
	require.ErrorIs(t, a.Refresh(context.Background(), "nope"), ErrUnknownResolver)
	require.ErrorContains(t, a.Clear("fed", ""), "does not support clear")
}

func TestApp_ImplicitDefaultComposite(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xml")
	b := filepath.Join(dir, "b.xml")
	require.NoError(t, os.WriteFile(a, document("https://a.example.org"), 0o600))
	require.NoError(t, os.WriteFile(b, document("https://b.example.org"), 0o600))

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{
		{ID: "a", Type: config.TypeFile, Source: a},
		{ID: "b", Type: config.TypeFile, Source: b},
	}
	app := newApp(t, cfg)

	def := app.Default()
	require.Equal(t, DefaultResolverID, def.ID())
	require.NotNil(t, resolveID(t, def, "https://b.example.org"))

	byName, err := app.Resolver(DefaultResolverID)
	require.NoError(t, err)
	require.Same(t, def, byName)
}

func TestApp_NoImplicitCompositeFlag(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xml")
	b := filepath.Join(dir, "b.xml")
	require.NoError(t, os.WriteFile(a, document("https://a.example.org"), 0o600))
	require.NoError(t, os.WriteFile(b, document("https://b.example.org"), 0o600))

	cfg := config.Defaults()
	cfg.Flags = map[string]bool{flags.FlagNoImplicitComposite: true}
	cfg.Resolvers = []config.ResolverConfig{
		{ID: "a", Type: config.TypeFile, Source: a},
		{ID: "b", Type: config.TypeFile, Source: b},
	}
	app := newApp(t, cfg)

	def := app.Default()
	require.Equal(t, "a", def.ID())
	require.Nil(t, resolveID(t, def, "https://b.example.org"))
}

func TestApp_MemoryOnlyCacheFlag(t *testing.T) {
	const id = "https://sp.example.org/shibboleth"
	dir := t.TempDir()
	docs := filepath.Join(dir, "entities")
	require.NoError(t, os.MkdirAll(docs, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(docs, sha1Hex(id)+".xml"), entity(id), 0o600))

	cfg := config.Defaults()
	cfg.Cache.Path = filepath.Join(dir, "cache.db")
	cfg.Flags = map[string]bool{flags.FlagMemoryOnlyCache: true}
	cfg.Resolvers = []config.ResolverConfig{{
		ID:           "local-mdq",
		Type:         config.TypeDynamicLocal,
		Source:       docs,
		KeyGenerator: config.KeyGeneratorConfig{Type: config.KeyGenDigest, Suffix: ".xml"},
		Dynamic:      config.DynamicConfig{PersistentCache: true},
	}}

	app := newApp(t, cfg)
	r, err := app.Resolver("local-mdq")
	require.NoError(t, err)
	require.NotNil(t, resolveID(t, r, id))
	require.NoFileExists(t, cfg.Cache.Path)
}

func TestApp_InitFailureIsFatal(t *testing.T) {
	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{
		{ID: "missing", Type: config.TypeFile, Source: filepath.Join(t.TempDir(), "missing.xml")},
	}
	a, err := New(cfg)
	require.NoError(t, err)
	err = a.Init(context.Background())
	require.ErrorContains(t, err, "failed to initialize resolver missing")

	lenient := false
	cfg.Resolvers[0].FailFastInitialization = &lenient
	a = newApp(t, cfg)
	st, ok := a.ResolverStatus("missing")
	require.True(t, ok)
	require.Zero(t, st.Entities)
	require.NotEmpty(t, st.LastFailure)
}

func TestApp_DynamicLocalWithPersistentCache(t *testing.T) {
	const id = "https://sp.example.org/shibboleth"
	dir := t.TempDir()
	docs := filepath.Join(dir, "entities")
	require.NoError(t, os.MkdirAll(docs, 0o750))
	docPath := filepath.Join(docs, sha1Hex(id)+".xml")
	require.NoError(t, os.WriteFile(docPath, entity(id), 0o600))

	cfg := config.Defaults()
	cfg.Cache.Path = filepath.Join(dir, "cache.db")
	cfg.Resolvers = []config.ResolverConfig{{
		ID:           "local-mdq",
		Type:         config.TypeDynamicLocal,
		Source:       docs,
		KeyGenerator: config.KeyGeneratorConfig{Type: config.KeyGenDigest, Suffix: ".xml"},
		Dynamic: config.DynamicConfig{
			PersistentCache:         true,
			InitFromPersistentCache: true,
		},
	}}

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Init(context.Background()))
	r, err := first.Resolver("local-mdq")
	require.NoError(t, err)
	require.NotNil(t, resolveID(t, r, id))
	require.Nil(t, resolveID(t, r, "https://unknown.example.org"))

	st, ok := first.ResolverStatus("local-mdq")
	require.True(t, ok)
	require.Equal(t, 1, st.Entities)
	require.Nil(t, st.LastRefresh, "dynamic resolvers have no refresh history")
	require.ErrorContains(t, first.Refresh(context.Background(), "local-mdq"), "does not support refresh")
	require.NoError(t, first.Close(context.Background()))

	// The source is gone; the entity survives through the persistent cache.
	require.NoError(t, os.Remove(docPath))
	second := newApp(t, cfg)
	r, err = second.Resolver("local-mdq")
	require.NoError(t, err)
	require.NotNil(t, resolveID(t, r, id))

	require.NoError(t, second.Clear("local-mdq", id))
	require.Nil(t, resolveID(t, r, id))
}

func TestApp_DynamicHTTPMDQ(t *testing.T) {
	const id = "https://idp.example.org/idp"
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.EscapedPath() != "/mdq/entities/"+url.PathEscape(id) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		_, _ = w.Write(entity(id))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{{
		ID:           "mdq",
		Type:         config.TypeDynamicHTTP,
		Source:       srv.URL + "/mdq",
		KeyGenerator: config.KeyGeneratorConfig{Type: config.KeyGenMDQ},
	}}
	a := newApp(t, cfg, WithHTTPClient(srv.Client()))

	r, err := a.Resolver("")
	require.NoError(t, err)
	require.NotNil(t, resolveID(t, r, id))
	require.NotNil(t, resolveID(t, r, id))
	require.Nil(t, resolveID(t, r, "https://other.example.org"))
	require.Nil(t, resolveID(t, r, "https://other.example.org"))
	require.EqualValues(t, 2, requests.Load(), "hits and negative hits are served from cache")
}

func TestApp_WatchTriggersRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.xml")
	require.NoError(t, os.WriteFile(path, document("https://a.example.org"), 0o600))

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{{ID: "local", Type: config.TypeFile, Source: path, Watch: true}}
	a := newApp(t, cfg)
	r, err := a.Resolver("local")
	require.NoError(t, err)
	require.Nil(t, resolveID(t, r, "https://b.example.org"))

	events := a.Subscribe(context.Background())

	require.NoError(t, os.WriteFile(path, document("https://a.example.org", "https://b.example.org"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	deadline := time.After(5 * time.Second)
	for added := false; !added; {
		select {
		case ev := <-events:
			require.Equal(t, "local", ev.Payload.Resolver)
			added = slices.Contains(ev.Payload.Added, "https://b.example.org")
		case <-deadline:
			t.Fatal("no refresh event after file change")
		}
	}
	require.NotNil(t, resolveID(t, r, "https://b.example.org"))
}

func TestApp_SubscribeAfterInitSkipsInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.xml")
	require.NoError(t, os.WriteFile(path, document("https://a.example.org"), 0o600))

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{{ID: "local", Type: config.TypeFile, Source: path}}
	a := newApp(t, cfg)

	events := a.Subscribe(context.Background())
	require.NoError(t, a.Refresh(context.Background(), "local"))

	select {
	case ev := <-events:
		require.Equal(t, pubsub.UnchangedEvent, ev.Type, "the initial load is not replayed")
		require.Empty(t, ev.Payload.Added)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for explicit refresh")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.xml")
	require.NoError(t, os.WriteFile(path, document("https://a.example.org"), 0o600))

	cfg := config.Defaults()
	cfg.Resolvers = []config.ResolverConfig{{ID: "local", Type: config.TypeFile, Source: path, Watch: true}}
	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	r, err := a.Resolver("local")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), criteria.NewSet(criteria.EntityID("https://a.example.org")))
	require.True(t, errors.Is(err, resolver.ErrDestroyed))
}
