package testutil

import "time"

// Common protocol and binding URIs.
const (
	ProtocolSAML2 = "urn:oasis:names:tc:SAML:2.0:protocol"
	BindingSOAP   = "urn:oasis:names:tc:SAML:2.0:bindings:SOAP"
	BindingPOST   = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingRedir  = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// entityData holds everything rendered for one EntityDescriptor.
type entityData struct {
	id            string
	validUntil    time.Time
	cacheDuration string
	attributes    []attributeData
	roles         []roleData
}

type attributeData struct {
	name   string
	values []string
}

type roleData struct {
	kind      string
	protocols string
	endpoints []endpointData
}

type endpointData struct {
	kind     string
	binding  string
	location string
	index    int
}

// defaultEntity returns an entity without roles or lifetime.
func defaultEntity(id string) entityData {
	return entityData{id: id}
}

// EntityOption configures an entity during builder setup.
type EntityOption func(*entityData)

// EntityValidUntil sets validUntil on the entity.
func EntityValidUntil(t time.Time) EntityOption {
	return func(e *entityData) { e.validUntil = t }
}

// EntityCacheDuration sets cacheDuration on the entity, e.g. "PT30M".
func EntityCacheDuration(d string) EntityOption {
	return func(e *entityData) { e.cacheDuration = d }
}

// Attribute adds an entity attribute tag.
func Attribute(name string, values ...string) EntityOption {
	return func(e *entityData) { e.attributes = append(e.attributes, attributeData{name: name, values: values}) }
}

// Role adds a role descriptor of kind (IDPSSODescriptor, ...) supporting
// SAML 2 unless protocols are given.
func Role(kind string, endpoints ...EndpointOption) EntityOption {
	return func(e *entityData) {
		r := roleData{kind: kind, protocols: ProtocolSAML2}
		for _, opt := range endpoints {
			opt(&r)
		}
		e.roles = append(e.roles, r)
	}
}

// EndpointOption configures a role during builder setup.
type EndpointOption func(*roleData)

// Protocols replaces the role's protocolSupportEnumeration.
func Protocols(protocols string) EndpointOption {
	return func(r *roleData) { r.protocols = protocols }
}

// Endpoint adds an unindexed endpoint element of kind (SingleSignOnService, ...).
func Endpoint(kind, binding, location string) EndpointOption {
	return func(r *roleData) {
		r.endpoints = append(r.endpoints, endpointData{kind: kind, binding: binding, location: location, index: -1})
	}
}

// IndexedEndpoint adds an endpoint element carrying an index attribute.
func IndexedEndpoint(kind, binding, location string, index int) EndpointOption {
	return func(r *roleData) {
		r.endpoints = append(r.endpoints, endpointData{kind: kind, binding: binding, location: location, index: index})
	}
}
