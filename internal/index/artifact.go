package index

import (
	"crypto/sha1" //nolint:gosec // SAML artifact source IDs are defined as SHA-1 of the entity ID
	"encoding/binary"
	"encoding/hex"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

const (
	kindSourceID       = "artifact-source-id"
	kindSourceLocation = "artifact-source-location"
)

// Artifact type codes.
const (
	TypeSAML1SourceID       uint16 = 0x0001
	TypeSAML1SourceLocation uint16 = 0x0002
	TypeSAML2               uint16 = 0x0004
)

const handleLen = 20

// ArtifactIndex indexes entities by SAML artifact source ID (SHA-1 of the
// entity ID and any SourceID role extensions) and by artifact resolution
// service location.
type ArtifactIndex struct{}

func (ArtifactIndex) Name() string { return NameArtifact }

func (ArtifactIndex) EntityKeys(e *metadata.EntityDescriptor) []Key {
	keys := []Key{{Kind: kindSourceID, Value: SourceID(e.EntityID)}}
	for _, r := range e.Roles {
		for _, id := range r.SourceIDs {
			if _, err := hex.DecodeString(id); err != nil {
				continue
			}
			keys = append(keys, Key{Kind: kindSourceID, Value: id})
		}
		for _, ep := range r.EndpointsOf(metadata.EndpointArtifactResolution) {
			keys = append(keys, Key{Kind: kindSourceLocation, Value: ep.Location})
		}
	}
	return keys
}

func (ArtifactIndex) CriteriaKeys(s *criteria.Set) []Key {
	a, ok := criteria.Get[criteria.Artifact](s)
	if !ok {
		return nil
	}
	if id, ok := ArtifactSourceID(a); ok {
		return []Key{{Kind: kindSourceID, Value: id}}
	}
	if loc, ok := ArtifactSourceLocation(a); ok {
		return []Key{{Kind: kindSourceLocation, Value: loc}}
	}
	return nil
}

// SourceID returns the lower-case hex SHA-1 of an entity ID.
func SourceID(entityID string) string {
	sum := sha1.Sum([]byte(entityID)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// ArtifactSourceID extracts the hex source ID of a SAML 2 or SAML 1 type 0x0001 artifact.
func ArtifactSourceID(a []byte) (string, bool) {
	if len(a) < 2 {
		return "", false
	}
	switch binary.BigEndian.Uint16(a) {
	case TypeSAML2:
		// type(2) endpoint index(2) source ID(20) message handle(20)
		if len(a) != 4+2*handleLen {
			return "", false
		}
		return hex.EncodeToString(a[4 : 4+handleLen]), true
	case TypeSAML1SourceID:
		// type(2) source ID(20) assertion handle(20)
		if len(a) != 2+2*handleLen {
			return "", false
		}
		return hex.EncodeToString(a[2 : 2+handleLen]), true
	default:
		return "", false
	}
}

// ArtifactSourceLocation extracts the source location of a SAML 1 type 0x0002 artifact.
func ArtifactSourceLocation(a []byte) (string, bool) {
	// type(2) assertion handle(20) source location(rest)
	if len(a) <= 2+handleLen || binary.BigEndian.Uint16(a) != TypeSAML1SourceLocation {
		return "", false
	}
	return string(a[2+handleLen:]), true
}
