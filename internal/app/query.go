package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
	"github.com/zjrosen/mdresolve/internal/resolver"
)

// roleAliases maps short role names accepted on the command line and the API.
var roleAliases = map[string]string{
	"idp":   metadata.RoleIDPSSO,
	"sp":    metadata.RoleSPSSO,
	"aa":    metadata.RoleAttributeAuthority,
	"authn": metadata.RoleAuthnAuthority,
	"pdp":   metadata.RolePDP,
}

// Query is a lookup expressed in plain strings.
type Query struct {
	EntityID string
	Role     string
	Protocol string
	Endpoint string
	// Artifact is a base64 encoded SAML artifact.
	Artifact string
	// Attributes are name=value pairs. An entity must carry all of them.
	Attributes []string
	// SatisfyAny overrides the resolver's combination mode when set.
	SatisfyAny *bool
}

// Criteria converts q into a criteria set.
func (q Query) Criteria() (*criteria.Set, error) {
	s := criteria.NewSet()
	if q.EntityID != "" {
		s.Add(criteria.EntityID(q.EntityID))
	}
	if q.Role != "" {
		s.Add(criteria.EntityRole(RoleKind(q.Role)))
	}
	if q.Protocol != "" {
		s.Add(criteria.Protocol(q.Protocol))
	}
	if q.Endpoint != "" {
		s.Add(criteria.Endpoint(q.Endpoint))
	}
	if q.Artifact != "" {
		raw, err := base64.StdEncoding.DecodeString(q.Artifact)
		if err != nil {
			return nil, fmt.Errorf("artifact: %w", err)
		}
		s.Add(criteria.Artifact(raw))
	}
	if len(q.Attributes) > 0 {
		ea := criteria.EntityAttributes{MatchAll: true}
		for _, kv := range q.Attributes {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				return nil, fmt.Errorf("attribute %q: want name=value", kv)
			}
			ea.Candidates = append(ea.Candidates, criteria.AttributeCandidate{Name: name, Values: []string{value}})
		}
		s.Add(ea)
	}
	if q.SatisfyAny != nil {
		s.Add(criteria.SatisfyAny(*q.SatisfyAny))
	}
	return s, nil
}

// RoleKind expands a role alias such as "idp" to its descriptor name.
func RoleKind(role string) string {
	if kind, ok := roleAliases[strings.ToLower(role)]; ok {
		return kind
	}
	return role
}

// Lookup resolves q against the named resolver and collects the results.
func (a *App) Lookup(ctx context.Context, resolverID string, q Query) ([]*metadata.EntityDescriptor, error) {
	r, err := a.Resolver(resolverID)
	if err != nil {
		return nil, err
	}
	s, err := q.Criteria()
	if err != nil {
		return nil, err
	}
	seq, err := r.Resolve(ctx, s)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// LookupRoles resolves the roles of the entities matched by q, narrowed by
// its role and protocol.
func (a *App) LookupRoles(ctx context.Context, resolverID string, q Query) ([]*metadata.RoleDescriptor, error) {
	r, err := a.Resolver(resolverID)
	if err != nil {
		return nil, err
	}
	s, err := q.Criteria()
	if err != nil {
		return nil, err
	}
	roles := &resolver.Roles{Entities: r}
	seq, err := roles.Resolve(ctx, s)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}
