package metadata

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const federationXML = `<?xml version="1.0" encoding="UTF-8"?>
<md:EntitiesDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
    xmlns:mdattr="urn:oasis:names:tc:SAML:metadata:attribute"
    xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
    xmlns:saml1md="urn:oasis:names:tc:SAML:profiles:v1metadata"
    xmlns:ds="http://www.w3.org/2000/09/xmldsig#"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
    Name="urn:example:federation" validUntil="2030-01-01T00:00:00Z" cacheDuration="PT6H">
  <ds:Signature><ds:SignedInfo/></ds:Signature>
  <md:Extensions>
    <mdattr:EntityAttributes>
      <saml:Attribute Name="http://macedir.org/entity-category" NameFormat="urn:oasis:names:tc:SAML:2.0:attrname-format:uri">
        <saml:AttributeValue>http://refeds.org/category/research-and-scholarship</saml:AttributeValue>
      </saml:Attribute>
    </mdattr:EntityAttributes>
  </md:Extensions>
  <md:EntityDescriptor entityID="https://idp.example.org/idp">
    <md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol urn:oasis:names:tc:SAML:1.1:protocol">
      <md:Extensions><saml1md:SourceID>ABCDEF0123</saml1md:SourceID></md:Extensions>
      <md:KeyDescriptor use="signing">
        <ds:KeyInfo><ds:X509Data><ds:X509Certificate>
          MIIB
          AAAA
        </ds:X509Certificate></ds:X509Data></ds:KeyInfo>
      </md:KeyDescriptor>
      <md:ArtifactResolutionService Binding="urn:oasis:names:tc:SAML:2.0:bindings:SOAP" Location="https://idp.example.org/ars" index="1"/>
      <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.org/sso"/>
    </md:IDPSSODescriptor>
  </md:EntityDescriptor>
  <md:EntitiesDescriptor Name="nested">
    <md:EntityDescriptor entityID="https://sp.example.org/sp" validUntil="2029-06-01T00:00:00Z">
      <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
        <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="https://sp.example.org/acs" index="0" isDefault="true"/>
      </md:SPSSODescriptor>
    </md:EntityDescriptor>
  </md:EntitiesDescriptor>
  <md:EntityDescriptor entityID="https://aa.example.org/aa">
    <md:RoleDescriptor xsi:type="md:AttributeQueryDescriptorType" protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/>
    <md:AttributeAuthorityDescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol" cacheDuration="PT1H">
      <md:AttributeService Binding="urn:oasis:names:tc:SAML:2.0:bindings:SOAP" Location="https://aa.example.org/attr"/>
    </md:AttributeAuthorityDescriptor>
  </md:EntityDescriptor>
</md:EntitiesDescriptor>`

func TestUnmarshal_Group(t *testing.T) {
	root, err := Unmarshal([]byte(federationXML))
	require.NoError(t, err)

	g, ok := root.(*EntitiesDescriptor)
	require.True(t, ok)
	require.Equal(t, "urn:example:federation", g.Name)
	require.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), g.Life.ValidUntil)
	require.NotNil(t, g.Life.CacheDuration)
	require.Equal(t, 6*time.Hour, *g.Life.CacheDuration)
	require.NotEmpty(t, g.Signature)
	require.Len(t, g.Attributes, 1)
	require.Equal(t, "http://macedir.org/entity-category", g.Attributes[0].Name)
	require.Equal(t, []string{"http://refeds.org/category/research-and-scholarship"}, g.Attributes[0].Values)

	require.Len(t, g.Entities(), 2)
	require.Len(t, g.Groups(), 1)
}

func TestUnmarshal_FlattenKeepsDocumentOrder(t *testing.T) {
	root, err := Unmarshal([]byte(federationXML))
	require.NoError(t, err)

	var ids []string
	for _, e := range Entities(root) {
		ids = append(ids, e.EntityID)
	}
	require.Equal(t, []string{
		"https://idp.example.org/idp",
		"https://sp.example.org/sp",
		"https://aa.example.org/aa",
	}, ids)
}

func TestUnmarshal_Roles(t *testing.T) {
	root, err := Unmarshal([]byte(federationXML))
	require.NoError(t, err)
	entities := Entities(root)

	idp := entities[0]
	require.Len(t, idp.Roles, 1)
	role := idp.Roles[0]
	require.Equal(t, RoleIDPSSO, role.Kind)
	require.True(t, role.SupportsProtocol("urn:oasis:names:tc:SAML:1.1:protocol"))
	require.Equal(t, []string{"abcdef0123"}, role.SourceIDs)
	require.Len(t, role.Keys, 1)
	require.Equal(t, "signing", role.Keys[0].Use)
	require.Equal(t, []string{"MIIBAAAA"}, role.Keys[0].Certificates)
	require.Same(t, idp, role.Entity())

	ars := role.EndpointsOf(EndpointArtifactResolution)
	require.Len(t, ars, 1)
	require.Equal(t, "https://idp.example.org/ars", ars[0].Location)
	require.Equal(t, 1, ars[0].Index)

	sp := entities[1]
	acs := sp.Roles[0].EndpointsOf("AssertionConsumerService")
	require.Len(t, acs, 1)
	require.True(t, acs[0].IsDefault)

	aa := entities[2]
	require.Equal(t, "AttributeQueryDescriptorType", aa.Roles[0].Kind)
	require.Len(t, aa.RolesOf(RoleAttributeAuthority), 1)
}

func TestUnmarshal_SingleEntity(t *testing.T) {
	doc := `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://solo.example.org" validUntil="2031-02-03T04:05:06"/>`
	root, err := Unmarshal([]byte(doc))
	require.NoError(t, err)

	e, ok := root.(*EntityDescriptor)
	require.True(t, ok)
	require.Equal(t, "https://solo.example.org", e.EntityID)
	require.Equal(t, time.Date(2031, 2, 3, 4, 5, 6, 0, time.UTC), e.Life.ValidUntil)
	require.Nil(t, e.Parent())
}

func TestUnmarshal_OtherRoot(t *testing.T) {
	root, err := Unmarshal([]byte(`<foo xmlns="urn:example"><bar/></foo>`))
	require.NoError(t, err)

	other, ok := root.(*Other)
	require.True(t, ok)
	require.Equal(t, "foo", other.Name.Local)
	require.Empty(t, Entities(root))
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "truncated", doc: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="x">`},
		{name: "missing entityID", doc: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata"/>`},
		{name: "bad validUntil", doc: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="x" validUntil="tomorrow"/>`},
		{name: "bad cacheDuration", doc: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="x" cacheDuration="6h"/>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.doc))
			require.Error(t, err)

			var ue *UnmarshalError
			require.True(t, errors.As(err, &ue), "expected *UnmarshalError, got %T", err)
		})
	}

	_, err := Unmarshal(nil)
	require.ErrorIs(t, err, ErrEmptyDocument)
}

func TestInheritedAttributes(t *testing.T) {
	root, err := Unmarshal([]byte(federationXML))
	require.NoError(t, err)
	sp := Entities(root)[1]

	attrs := sp.InheritedAttributes()
	require.Len(t, attrs, 1)
	require.Equal(t, "http://macedir.org/entity-category", attrs[0].Name)
	require.True(t, slices.Contains(attrs[0].Values, "http://refeds.org/category/research-and-scholarship"))
}
