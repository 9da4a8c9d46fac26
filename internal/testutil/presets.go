package testutil

// Entity IDs of the standard federation.
const (
	StandardIdP = "https://idp.example.org/idp/shibboleth"
	StandardSP  = "https://sp.example.org/shibboleth"
	StandardAA  = "https://aa.example.org/aa"
)

// ResearchAndScholarship is the entity category carried by the standard IdP.
const (
	EntityCategorySupport  = "http://macedir.org/entity-category-support"
	ResearchAndScholarship = "http://refeds.org/category/research-and-scholarship"
)

// WithStandardFederation adds an IdP, an SP and an attribute authority with
// the endpoints the role, artifact and endpoint indexes key on.
func (b *Builder) WithStandardFederation() *Builder {
	return b.
		WithEntity(StandardIdP,
			Attribute(EntityCategorySupport, ResearchAndScholarship),
			Role("IDPSSODescriptor",
				IndexedEndpoint("ArtifactResolutionService", BindingSOAP, "https://idp.example.org/ars", 1),
				Endpoint("SingleSignOnService", BindingRedir, "https://idp.example.org/sso"))).
		WithEntity(StandardSP,
			Role("SPSSODescriptor",
				IndexedEndpoint("AssertionConsumerService", BindingPOST, "https://sp.example.org/acs", 0))).
		WithEntity(StandardAA,
			Role("AttributeAuthorityDescriptor",
				Endpoint("AttributeService", BindingSOAP, "https://aa.example.org/attr")))
}
