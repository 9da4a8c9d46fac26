package index

import (
	"net/url"
	"slices"
	"strings"

	"github.com/zjrosen/mdresolve/internal/criteria"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

const kindEndpoint = "endpoint"

// EndpointIndex indexes entities by canonicalised endpoint location.
// When Kinds is set only endpoints of those element kinds are indexed.
type EndpointIndex struct {
	Kinds []string
}

func (EndpointIndex) Name() string { return NameEndpoint }

func (x EndpointIndex) EntityKeys(e *metadata.EntityDescriptor) []Key {
	var keys []Key
	for _, r := range e.Roles {
		for _, ep := range r.Endpoints {
			if len(x.Kinds) > 0 && !slices.Contains(x.Kinds, ep.Kind) {
				continue
			}
			keys = append(keys, Key{Kind: kindEndpoint, Value: CanonicalLocation(ep.Location)})
			if ep.ResponseLocation != "" {
				keys = append(keys, Key{Kind: kindEndpoint, Value: CanonicalLocation(ep.ResponseLocation)})
			}
		}
	}
	return keys
}

func (EndpointIndex) CriteriaKeys(s *criteria.Set) []Key {
	loc, ok := criteria.Get[criteria.Endpoint](s)
	if !ok || loc == "" {
		return nil
	}
	return []Key{{Kind: kindEndpoint, Value: CanonicalLocation(string(loc))}}
}

// CanonicalLocation lower-cases scheme and host and drops default ports so
// equivalent URLs share a key. Unparseable input is returned trimmed.
func CanonicalLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	u, err := url.Parse(loc)
	if err != nil || u.Host == "" {
		return loc
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host + ":" + port
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Fragment = ""
	return u.String()
}
