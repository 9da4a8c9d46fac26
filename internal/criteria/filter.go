package criteria

import "github.com/zjrosen/mdresolve/internal/metadata"

// SatisfyAnyFor returns the per-call SatisfyAny criterion when present, else def.
func SatisfyAnyFor(s *Set, def bool) bool {
	if v, ok := Get[SatisfyAny](s); ok {
		return bool(v)
	}
	return def
}

// Filter narrows candidates with preds, combined with OR when satisfyAny and
// AND otherwise. With no predicates the result is either every candidate or
// nothing, chosen by onEmptyReturnEmpty. Candidate order is preserved.
func Filter(candidates []*metadata.EntityDescriptor, preds []Predicate, satisfyAny, onEmptyReturnEmpty bool) []*metadata.EntityDescriptor {
	if len(preds) == 0 {
		if onEmptyReturnEmpty {
			return nil
		}
		return candidates
	}

	out := make([]*metadata.EntityDescriptor, 0, len(candidates))
	for _, e := range candidates {
		if matches(e, preds, satisfyAny) {
			out = append(out, e)
		}
	}
	return out
}

func matches(e *metadata.EntityDescriptor, preds []Predicate, satisfyAny bool) bool {
	for _, p := range preds {
		ok := p(e)
		if satisfyAny && ok {
			return true
		}
		if !satisfyAny && !ok {
			return false
		}
	}
	return !satisfyAny
}
