// Package metadata models federation metadata documents: groups of entities,
// entities, their roles, and the validity hints (validUntil, cacheDuration)
// every level of the tree may declare.
package metadata

import (
	"encoding/xml"
	"iter"
	"slices"
	"time"
)

// Namespaces used when reading documents.
const (
	NSMetadata     = "urn:oasis:names:tc:SAML:2.0:metadata"
	NSAssertion    = "urn:oasis:names:tc:SAML:2.0:assertion"
	NSEntityAttrs  = "urn:oasis:names:tc:SAML:metadata:attribute"
	NSSAML1Meta    = "urn:oasis:names:tc:SAML:profiles:v1metadata"
	NSXMLSignature = "http://www.w3.org/2000/09/xmldsig#"
	NSXSI          = "http://www.w3.org/2001/XMLSchema-instance"
)

// Role kinds, named after their element (or xsi:type for generic roles).
const (
	RoleIDPSSO             = "IDPSSODescriptor"
	RoleSPSSO              = "SPSSODescriptor"
	RoleAttributeAuthority = "AttributeAuthorityDescriptor"
	RoleAuthnAuthority     = "AuthnAuthorityDescriptor"
	RolePDP                = "PDPDescriptor"
)

// EndpointArtifactResolution is the endpoint kind used for artifact lookups.
const EndpointArtifactResolution = "ArtifactResolutionService"

// Element is a node of a parsed metadata document.
type Element interface {
	Lifetime() Lifetime
	Parent() Element
	Children() []Element
}

// Lifetime holds the validity hints declared on an element.
type Lifetime struct {
	// ValidUntil is the absolute expiry; zero when absent.
	ValidUntil time.Time
	// CacheDuration is relative to the moment the document is processed; nil when absent.
	CacheDuration *time.Duration
}

// CacheFor is a convenience for building a Lifetime with a cache duration.
func CacheFor(d time.Duration) *time.Duration {
	return &d
}

// EntitiesDescriptor is a group of entities and nested groups.
type EntitiesDescriptor struct {
	ID         string
	Name       string
	Life       Lifetime
	Attributes []Attribute
	// Signature is the raw signature XML, dropped by Release.
	Signature []byte
	// Members holds *EntityDescriptor and *EntitiesDescriptor values in document order.
	Members []Element

	parent Element
}

func (g *EntitiesDescriptor) Lifetime() Lifetime  { return g.Life }
func (g *EntitiesDescriptor) Parent() Element     { return g.parent }
func (g *EntitiesDescriptor) Children() []Element { return g.Members }

// Add appends a member and points it back at g.
func (g *EntitiesDescriptor) Add(members ...Element) {
	for _, m := range members {
		setParent(m, g)
		g.Members = append(g.Members, m)
	}
}

// Entities returns the direct entity members.
func (g *EntitiesDescriptor) Entities() []*EntityDescriptor {
	var out []*EntityDescriptor
	for _, m := range g.Members {
		if e, ok := m.(*EntityDescriptor); ok {
			out = append(out, e)
		}
	}
	return out
}

// Groups returns the direct nested groups.
func (g *EntitiesDescriptor) Groups() []*EntitiesDescriptor {
	var out []*EntitiesDescriptor
	for _, m := range g.Members {
		if sub, ok := m.(*EntitiesDescriptor); ok {
			out = append(out, sub)
		}
	}
	return out
}

// EntityDescriptor describes one federation participant.
type EntityDescriptor struct {
	EntityID   string
	ID         string
	Life       Lifetime
	Attributes []Attribute
	Roles      []*RoleDescriptor
	Signature  []byte

	parent Element
}

func (e *EntityDescriptor) Lifetime() Lifetime { return e.Life }
func (e *EntityDescriptor) Parent() Element    { return e.parent }

func (e *EntityDescriptor) Children() []Element {
	out := make([]Element, 0, len(e.Roles))
	for _, r := range e.Roles {
		out = append(out, r)
	}
	return out
}

// AddRole appends a role and points it back at e.
func (e *EntityDescriptor) AddRole(roles ...*RoleDescriptor) {
	for _, r := range roles {
		r.parent = e
		e.Roles = append(e.Roles, r)
	}
}

// RolesOf returns the roles of the given kind.
func (e *EntityDescriptor) RolesOf(kind string) []*RoleDescriptor {
	var out []*RoleDescriptor
	for _, r := range e.Roles {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// InheritedAttributes returns the entity's own attributes followed by those
// declared on each enclosing group, innermost first.
func (e *EntityDescriptor) InheritedAttributes() []Attribute {
	out := slices.Clone(e.Attributes)
	for p := e.parent; p != nil; p = p.Parent() {
		if g, ok := p.(*EntitiesDescriptor); ok {
			out = append(out, g.Attributes...)
		}
	}
	return out
}

// RoleDescriptor is one role an entity plays.
type RoleDescriptor struct {
	Kind      string
	Protocols []string
	Life      Lifetime
	Endpoints []Endpoint
	Keys      []KeyDescriptor
	// SourceIDs are lower-case hex SAML 1 artifact source IDs from role extensions.
	SourceIDs []string

	parent Element
}

func (r *RoleDescriptor) Lifetime() Lifetime  { return r.Life }
func (r *RoleDescriptor) Parent() Element     { return r.parent }
func (r *RoleDescriptor) Children() []Element { return nil }

// Entity returns the owning entity, or nil for a detached role.
func (r *RoleDescriptor) Entity() *EntityDescriptor {
	e, _ := r.parent.(*EntityDescriptor)
	return e
}

// SupportsProtocol reports whether protocol is listed in protocolSupportEnumeration.
func (r *RoleDescriptor) SupportsProtocol(protocol string) bool {
	return slices.Contains(r.Protocols, protocol)
}

// EndpointsOf returns endpoints of the given element kind.
func (r *RoleDescriptor) EndpointsOf(kind string) []Endpoint {
	var out []Endpoint
	for _, ep := range r.Endpoints {
		if ep.Kind == kind {
			out = append(out, ep)
		}
	}
	return out
}

// Endpoint is any role child element carrying a Location.
type Endpoint struct {
	Kind             string
	Binding          string
	Location         string
	ResponseLocation string
	Index            int
	IsDefault        bool
}

// KeyDescriptor carries trust material for a role.
type KeyDescriptor struct {
	Use string
	// Certificates are base64 DER X.509 certificates with whitespace removed.
	Certificates []string
}

// Attribute is an entity attribute (tag) from the EntityAttributes extension.
type Attribute struct {
	Name       string
	NameFormat string
	Values     []string
}

// Other is a document root that is neither an entity nor a group.
type Other struct {
	Name xml.Name
	Life Lifetime
}

func (o *Other) Lifetime() Lifetime  { return o.Life }
func (o *Other) Parent() Element     { return nil }
func (o *Other) Children() []Element { return nil }

func setParent(el, parent Element) {
	switch v := el.(type) {
	case *EntityDescriptor:
		v.parent = parent
	case *EntitiesDescriptor:
		v.parent = parent
	case *RoleDescriptor:
		v.parent = parent
	}
}

// Flatten yields every entity below g depth-first in document order.
func Flatten(g *EntitiesDescriptor) iter.Seq[*EntityDescriptor] {
	return func(yield func(*EntityDescriptor) bool) {
		flatten(g, yield)
	}
}

func flatten(g *EntitiesDescriptor, yield func(*EntityDescriptor) bool) bool {
	for _, m := range g.Members {
		switch v := m.(type) {
		case *EntityDescriptor:
			if !yield(v) {
				return false
			}
		case *EntitiesDescriptor:
			if !flatten(v, yield) {
				return false
			}
		}
	}
	return true
}

// Entities returns the entities of a document root: the root itself for an
// entity, the flattened members for a group, nothing otherwise.
func Entities(root Element) []*EntityDescriptor {
	switch v := root.(type) {
	case *EntityDescriptor:
		return []*EntityDescriptor{v}
	case *EntitiesDescriptor:
		return slices.Collect(Flatten(v))
	default:
		return nil
	}
}
