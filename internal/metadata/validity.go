package metadata

import "time"

// IsValid reports whether el and every ancestor are still inside their
// declared validUntil at now.
func IsValid(el Element, now time.Time) bool {
	for cur := el; cur != nil; cur = cur.Parent() {
		if vu := cur.Lifetime().ValidUntil; !vu.IsZero() && !now.Before(vu) {
			return false
		}
	}
	return true
}

// EarliestExpiration walks el and its descendants and returns the earliest of
// candidate, every validUntil, and now+cacheDuration for every non-negative
// cacheDuration. A zero result means no expiration is known.
func EarliestExpiration(el Element, candidate, now time.Time) time.Time {
	if el == nil {
		return candidate
	}

	earliest := candidate
	life := el.Lifetime()
	if cd := life.CacheDuration; cd != nil && *cd >= 0 {
		earliest = earlier(earliest, now.Add(*cd))
	}
	if !life.ValidUntil.IsZero() {
		earliest = earlier(earliest, life.ValidUntil)
	}

	for _, child := range el.Children() {
		earliest = EarliestExpiration(child, earliest, now)
	}
	return earliest
}

func earlier(current, t time.Time) time.Time {
	if current.IsZero() || t.Before(current) {
		return t
	}
	return current
}

// Clone deep-copies el so filters can modify the copy while the original stays
// intact. The clone keeps el's parent link.
func Clone(el Element) Element {
	switch v := el.(type) {
	case *EntitiesDescriptor:
		return cloneGroup(v, v.parent)
	case *EntityDescriptor:
		return cloneEntity(v, v.parent)
	case *RoleDescriptor:
		return cloneRole(v, v.parent)
	case *Other:
		c := *v
		return &c
	default:
		return el
	}
}

func cloneGroup(g *EntitiesDescriptor, parent Element) *EntitiesDescriptor {
	c := *g
	c.parent = parent
	c.Attributes = cloneAttributes(g.Attributes)
	c.Members = make([]Element, 0, len(g.Members))
	for _, m := range g.Members {
		switch v := m.(type) {
		case *EntityDescriptor:
			c.Members = append(c.Members, cloneEntity(v, &c))
		case *EntitiesDescriptor:
			c.Members = append(c.Members, cloneGroup(v, &c))
		}
	}
	return &c
}

func cloneEntity(e *EntityDescriptor, parent Element) *EntityDescriptor {
	c := *e
	c.parent = parent
	c.Attributes = cloneAttributes(e.Attributes)
	c.Roles = make([]*RoleDescriptor, 0, len(e.Roles))
	for _, r := range e.Roles {
		c.Roles = append(c.Roles, cloneRole(r, &c))
	}
	return &c
}

func cloneRole(r *RoleDescriptor, parent Element) *RoleDescriptor {
	c := *r
	c.parent = parent
	c.Protocols = append([]string(nil), r.Protocols...)
	c.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	c.SourceIDs = append([]string(nil), r.SourceIDs...)
	c.Keys = make([]KeyDescriptor, len(r.Keys))
	for i, k := range r.Keys {
		c.Keys[i] = KeyDescriptor{Use: k.Use, Certificates: append([]string(nil), k.Certificates...)}
	}
	return &c
}

func cloneAttributes(in []Attribute) []Attribute {
	if in == nil {
		return nil
	}
	out := make([]Attribute, len(in))
	for i, a := range in {
		out[i] = Attribute{Name: a.Name, NameFormat: a.NameFormat, Values: append([]string(nil), a.Values...)}
	}
	return out
}

// Release drops the raw signature XML retained on el and its descendants.
// Validity hints and the parsed model stay available.
func Release(el Element) {
	switch v := el.(type) {
	case *EntitiesDescriptor:
		v.Signature = nil
		for _, m := range v.Members {
			Release(m)
		}
	case *EntityDescriptor:
		v.Signature = nil
	}
}
