package dynamic

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the digest federations publish lookup keys under
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"regexp"
	"strings"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/index"
)

// KeyGenerator maps a criteria set to the key a Source fetches by. ok is
// false when no key can be derived; the lookup then yields no candidates.
type KeyGenerator interface {
	Key(s *criteria.Set) (key string, ok bool)
}

// KeyFunc adapts a function to KeyGenerator.
type KeyFunc func(s *criteria.Set) (string, bool)

func (f KeyFunc) Key(s *criteria.Set) (string, bool) { return f(s) }

func entityID(s *criteria.Set) (string, bool) {
	id, ok := criteria.Get[criteria.EntityID](s)
	if !ok || id == "" {
		return "", false
	}
	return string(id), true
}

// Identity uses the entity ID unchanged.
type Identity struct{}

func (Identity) Key(s *criteria.Set) (string, bool) { return entityID(s) }

// Digest algorithms accepted by EntityIDDigest.
const (
	DigestSHA1   = "sha1"
	DigestSHA256 = "sha256"
)

// EntityIDDigest hex-encodes a digest of the entity ID, wrapped in Prefix and
// Suffix. An empty Algorithm means SHA-1.
type EntityIDDigest struct {
	Algorithm string
	Prefix    string
	Suffix    string
	UpperCase bool
}

// NewEntityIDDigest validates the algorithm name.
func NewEntityIDDigest(algorithm, prefix, suffix string) (*EntityIDDigest, error) {
	d := &EntityIDDigest{Algorithm: strings.ToLower(algorithm), Prefix: prefix, Suffix: suffix}
	if _, err := d.hasher(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *EntityIDDigest) hasher() (hash.Hash, error) {
	switch d.Algorithm {
	case "", DigestSHA1:
		return sha1.New(), nil //nolint:gosec // see import
	case DigestSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", d.Algorithm)
	}
}

func (d *EntityIDDigest) Key(s *criteria.Set) (string, bool) {
	id, ok := entityID(s)
	if !ok {
		return "", false
	}
	h, err := d.hasher()
	if err != nil {
		return "", false
	}
	h.Write([]byte(id))
	sum := hex.EncodeToString(h.Sum(nil))
	if d.UpperCase {
		sum = strings.ToUpper(sum)
	}
	return d.Prefix + sum + d.Suffix, true
}

// Regex rewrites the entity ID with Pattern and Replacement. IDs that do not
// match produce no key.
type Regex struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// NewRegex compiles pattern.
func NewRegex(pattern, replacement string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern: %w", err)
	}
	return &Regex{Pattern: re, Replacement: replacement}, nil
}

func (r *Regex) Key(s *criteria.Set) (string, bool) {
	id, ok := entityID(s)
	if !ok || !r.Pattern.MatchString(id) {
		return "", false
	}
	return r.Pattern.ReplaceAllString(id, r.Replacement), true
}

// SecondaryURLBuilder derives an MDQ request URL from criteria that carry no
// entity ID. base always ends in "/".
type SecondaryURLBuilder interface {
	BuildURL(base string, s *criteria.Set) (string, bool)
}

// MDQ builds Metadata Query Protocol request URLs:
// <base>/entities/<path-escaped entity ID>.
type MDQ struct {
	base      string
	transform func(string) (string, bool)
	secondary []SecondaryURLBuilder
}

// NewMDQ returns an MDQ builder rooted at baseURL. transform, when non-nil,
// rewrites the entity ID before escaping; returning false yields no key.
func NewMDQ(baseURL string, transform func(string) (string, bool), secondary ...SecondaryURLBuilder) (*MDQ, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, fmt.Errorf("mdq base URL is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid mdq base URL: %w", err)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &MDQ{base: base, transform: transform, secondary: secondary}, nil
}

// BaseURL returns the normalised base URL.
func (m *MDQ) BaseURL() string { return m.base }

func (m *MDQ) Key(s *criteria.Set) (string, bool) {
	if id, ok := entityID(s); ok {
		if m.transform != nil {
			if id, ok = m.transform(id); !ok {
				return "", false
			}
		}
		return m.base + "entities/" + url.PathEscape(id), true
	}
	for _, b := range m.secondary {
		if u, ok := b.BuildURL(m.base, s); ok {
			return u, true
		}
	}
	return "", false
}

// ArtifactSourceID builds MDQ lookups for SAML artifacts by their SHA-1
// source ID: <base>entities/{sha1}<hex>.
type ArtifactSourceID struct{}

func (ArtifactSourceID) BuildURL(base string, s *criteria.Set) (string, bool) {
	a, ok := criteria.Get[criteria.Artifact](s)
	if !ok {
		return "", false
	}
	id, ok := index.ArtifactSourceID(a)
	if !ok {
		return "", false
	}
	return base + "entities/" + url.PathEscape("{sha1}"+id), true
}
