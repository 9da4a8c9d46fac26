package dynamic

import (
	"crypto/sha1" //nolint:gosec // test vectors
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/mdresolve/internal/criteria"
)

const idpID = "https://idp.example.org/idp"

func byID(id string) *criteria.Set { return criteria.NewSet(criteria.EntityID(id)) }

// saml2Artifact builds a type 0x0004 artifact whose source ID is the SHA-1 of entityID.
func saml2Artifact(entityID string) criteria.Artifact {
	a := make([]byte, 44)
	binary.BigEndian.PutUint16(a, 0x0004)
	sum := sha1.Sum([]byte(entityID)) //nolint:gosec // test vectors
	copy(a[4:24], sum[:])
	return criteria.Artifact(a)
}

func TestIdentity(t *testing.T) {
	key, ok := Identity{}.Key(byID(idpID))
	require.True(t, ok)
	require.Equal(t, idpID, key)

	_, ok = Identity{}.Key(criteria.NewSet(criteria.EntityRole("IDPSSODescriptor")))
	require.False(t, ok)

	_, ok = Identity{}.Key(byID(""))
	require.False(t, ok)
}

func TestEntityIDDigest(t *testing.T) {
	sha1Sum := sha1.Sum([]byte(idpID)) //nolint:gosec // test vectors
	sha256Sum := sha256.Sum256([]byte(idpID))

	tests := []struct {
		name      string
		algorithm string
		prefix    string
		suffix    string
		upper     bool
		want      string
	}{
		{"default is sha1", "", "", "", false, hex.EncodeToString(sha1Sum[:])},
		{"sha256 with affixes", "SHA256", "md/", ".xml", false, "md/" + hex.EncodeToString(sha256Sum[:]) + ".xml"},
		{"upper case", "sha1", "", "", true, strings.ToUpper(hex.EncodeToString(sha1Sum[:]))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewEntityIDDigest(tt.algorithm, tt.prefix, tt.suffix)
			require.NoError(t, err)
			d.UpperCase = tt.upper

			key, ok := d.Key(byID(idpID))
			require.True(t, ok)
			require.Equal(t, tt.want, key)
		})
	}

	_, err := NewEntityIDDigest("md5", "", "")
	require.ErrorContains(t, err, "unsupported digest algorithm")
}

func TestRegex(t *testing.T) {
	r, err := NewRegex(`^https://([^/]+)/idp$`, "https://metadata.example.org/$1.xml")
	require.NoError(t, err)

	key, ok := r.Key(byID(idpID))
	require.True(t, ok)
	require.Equal(t, "https://metadata.example.org/idp.example.org.xml", key)

	_, ok = r.Key(byID("urn:mace:example"))
	require.False(t, ok, "non-matching IDs produce no key")

	_, err = NewRegex(`(`, "")
	require.Error(t, err)
}

func TestMDQ(t *testing.T) {
	m, err := NewMDQ("https://mdq.example.org", nil, ArtifactSourceID{})
	require.NoError(t, err)
	require.Equal(t, "https://mdq.example.org/", m.BaseURL())

	key, ok := m.Key(byID(idpID))
	require.True(t, ok)
	require.Equal(t, "https://mdq.example.org/entities/https:%2F%2Fidp.example.org%2Fidp", key)

	sum := sha1.Sum([]byte(idpID)) //nolint:gosec // test vectors
	key, ok = m.Key(criteria.NewSet(saml2Artifact(idpID)))
	require.True(t, ok)
	require.Equal(t, "https://mdq.example.org/entities/%7Bsha1%7D"+hex.EncodeToString(sum[:]), key)

	_, ok = m.Key(criteria.NewSet(criteria.Artifact([]byte{0x00, 0x04})))
	require.False(t, ok)

	_, ok = m.Key(criteria.NewSet(criteria.EntityRole("IDPSSODescriptor")))
	require.False(t, ok)
}

func TestMDQ_Transform(t *testing.T) {
	m, err := NewMDQ("https://mdq.example.org/global/", func(id string) (string, bool) {
		if !strings.HasPrefix(id, "https://") {
			return "", false
		}
		return strings.TrimPrefix(id, "https://"), true
	})
	require.NoError(t, err)

	key, ok := m.Key(byID(idpID))
	require.True(t, ok)
	require.Equal(t, "https://mdq.example.org/global/entities/idp.example.org%2Fidp", key)

	_, ok = m.Key(byID("urn:mace:example"))
	require.False(t, ok)

	_, err = NewMDQ("  ", nil)
	require.Error(t, err)
}
