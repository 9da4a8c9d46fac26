package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/fetch"
	"github.com/zjrosen/mdresolve/internal/index"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

func initBatch(t *testing.T, cfg Config, doc []byte, opts ...Option) *Batch {
	t.Helper()
	src := &scripted{}
	src.push(fetch.Bytes(doc), nil)
	b := newTestBatch(t, src, cfg, opts...)
	require.NoError(t, b.Init(context.Background()))
	return b
}

func TestQuery_ExpiredEntityExcludedByID(t *testing.T) {
	expired := entity{id: "old", role: metadata.RoleIDPSSO, validUntil: testNow.Add(-time.Hour)}
	doc := document(testNow.Add(time.Hour), expired, idp("fresh"))

	b := initBatch(t, DefaultConfig(), doc)
	require.Empty(t, resolveIDs(t, b, criteria.NewSet(criteria.EntityID("old"))))
	require.Equal(t, []string{"fresh"}, resolveIDs(t, b, criteria.NewSet(criteria.EntityID("fresh"))))

	cfg := DefaultConfig()
	cfg.RequireValidMetadata = false
	lax := initBatch(t, cfg, doc)
	require.Equal(t, []string{"old"}, resolveIDs(t, lax, criteria.NewSet(criteria.EntityID("old"))))
}

func TestQuery_IDLookupNarrowedByPredicates(t *testing.T) {
	b := initBatch(t, DefaultConfig(), document(time.Time{}, idp("a"), sp("b")))

	require.Equal(t, []string{"a"}, resolveIDs(t, b, criteria.NewSet(
		criteria.EntityID("a"), criteria.EntityRole(metadata.RoleIDPSSO))))
	require.Empty(t, resolveIDs(t, b, criteria.NewSet(
		criteria.EntityID("a"), criteria.EntityRole(metadata.RoleSPSSO))))
}

func TestQuery_DuplicateIDsReturnedInOrder(t *testing.T) {
	b := initBatch(t, DefaultConfig(), document(time.Time{}, idp("dup"), sp("dup")))

	seq, err := b.Resolve(context.Background(), criteria.NewSet(criteria.EntityID("dup")))
	require.NoError(t, err)
	var kinds []string
	for e := range seq {
		kinds = append(kinds, e.Roles[0].Kind)
	}
	require.Equal(t, []string{metadata.RoleIDPSSO, metadata.RoleSPSSO}, kinds)
}

func TestQuery_IndexDispatch(t *testing.T) {
	doc := document(time.Time{}, idp("a"), sp("b"), idp("c"))
	cfg := DefaultConfig()
	cfg.Indexes = []index.Index{index.RoleIndex{}}
	cfg.ResolveViaPredicatesOnly = true
	b := initBatch(t, cfg, doc)

	t.Run("applicable", func(t *testing.T) {
		require.Equal(t, []string{"a", "c"}, resolveIDs(t, b, criteria.NewSet(criteria.EntityRole(metadata.RoleIDPSSO))))
	})

	t.Run("applicable but empty short-circuits full scan", func(t *testing.T) {
		calls := 0
		scan := criteria.Func(func(*metadata.EntityDescriptor) bool {
			calls++
			return true
		})
		got := resolveIDs(t, b, criteria.NewSet(criteria.EntityRole(metadata.RolePDP), scan))
		require.Empty(t, got)
		require.Zero(t, calls)
	})

	t.Run("not applicable falls through to predicate scan", func(t *testing.T) {
		got := resolveIDs(t, b, criteria.NewSet(criteria.Protocol(protocolSAML2), criteria.Func(func(e *metadata.EntityDescriptor) bool {
			return e.EntityID != "b"
		})))
		require.Equal(t, []string{"a", "c"}, got)
	})

	t.Run("full scan with no predicates returns nothing", func(t *testing.T) {
		require.Empty(t, resolveIDs(t, b, criteria.NewSet()))
	})
}

func TestQuery_NotApplicableWithoutPredicateScan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Indexes = []index.Index{index.RoleIndex{}}
	b := initBatch(t, cfg, document(time.Time{}, idp("a")))

	require.Empty(t, resolveIDs(t, b, criteria.NewSet(criteria.Protocol(protocolSAML2))))
	require.Equal(t, []string{"a"}, resolveIDs(t, b, criteria.NewSet(criteria.EntityRole(metadata.RoleIDPSSO))))
}

func TestQuery_SatisfyAnyOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolveViaPredicatesOnly = true
	b := initBatch(t, cfg, document(time.Time{}, idp("a"), sp("b")))

	isA := criteria.Func(func(e *metadata.EntityDescriptor) bool { return e.EntityID == "a" })
	isSP := criteria.EntityRole(metadata.RoleSPSSO)

	require.Empty(t, resolveIDs(t, b, criteria.NewSet(isA, isSP)), "default is AND")
	require.Equal(t, []string{"a", "b"}, resolveIDs(t, b, criteria.NewSet(isA, isSP, criteria.SatisfyAny(true))))

	cfg.SatisfyAnyPredicates = true
	anyByDefault := initBatch(t, cfg, document(time.Time{}, idp("a"), sp("b")))
	require.Equal(t, []string{"a", "b"}, resolveIDs(t, anyByDefault, criteria.NewSet(isA, isSP)))
	require.Empty(t, resolveIDs(t, anyByDefault, criteria.NewSet(isA, isSP, criteria.SatisfyAny(false))),
		"per-call criterion overrides the resolver default")
}

func TestQuery_Activation(t *testing.T) {
	active := false
	b := initBatch(t, DefaultConfig(), document(time.Time{}, idp("a")),
		WithActivation(func(context.Context, *criteria.Set) bool { return active }))

	require.Empty(t, resolveIDs(t, b, criteria.NewSet(criteria.EntityID("a"))))
	active = true
	require.Equal(t, []string{"a"}, resolveIDs(t, b, criteria.NewSet(criteria.EntityID("a"))))
}

func TestQuery_PredicateResolutionError(t *testing.T) {
	r := criteria.NewRegistry()
	require.NoError(t, criteria.Register(r, func(criteria.Endpoint) (criteria.Predicate, error) {
		return nil, errors.New("bad endpoint")
	}))
	b := initBatch(t, DefaultConfig(), document(time.Time{}, idp("a")), WithRegistry(r))

	_, err := b.Resolve(context.Background(), criteria.NewSet(criteria.EntityID("a"), criteria.Endpoint("x")))
	require.ErrorContains(t, err, "bad endpoint")
}

func TestRoles(t *testing.T) {
	b := initBatch(t, DefaultConfig(), document(time.Time{}, idp("a"), sp("b")))
	roles := &Roles{Entities: b, RequireValidMetadata: true, Now: func() time.Time { return testNow }}

	r, err := roles.ResolveSingle(context.Background(), criteria.NewSet(
		criteria.EntityID("a"), criteria.EntityRole(metadata.RoleIDPSSO), criteria.Protocol(protocolSAML2)))
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, "a", r.Entity().EntityID)

	r, err = roles.ResolveSingle(context.Background(), criteria.NewSet(
		criteria.EntityID("a"), criteria.EntityRole(metadata.RoleSPSSO)))
	require.NoError(t, err)
	require.Nil(t, r)
}
