package presentation

import (
	"time"

	"github.com/zjrosen/mdresolve/internal/metadata"
)

// EntityDTO represents a resolved entity for presentation
type EntityDTO struct {
	EntityID      string         `json:"entity_id" yaml:"entity_id"`
	ID            string         `json:"id,omitempty" yaml:"id,omitempty"`
	ValidUntil    *time.Time     `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	CacheDuration string         `json:"cache_duration,omitempty" yaml:"cache_duration,omitempty"`
	Groups        []string       `json:"groups,omitempty" yaml:"groups,omitempty"`
	Attributes    []AttributeDTO `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Roles         []RoleDTO      `json:"roles" yaml:"roles"`
}

// RoleDTO represents one role descriptor
type RoleDTO struct {
	Kind      string        `json:"kind" yaml:"kind"`
	Protocols []string      `json:"protocols,omitempty" yaml:"protocols,omitempty"`
	Endpoints []EndpointDTO `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Keys      []KeyDTO      `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// EndpointDTO represents one endpoint of a role
type EndpointDTO struct {
	Kind             string `json:"kind" yaml:"kind"`
	Binding          string `json:"binding,omitempty" yaml:"binding,omitempty"`
	Location         string `json:"location" yaml:"location"`
	ResponseLocation string `json:"response_location,omitempty" yaml:"response_location,omitempty"`
	Index            int    `json:"index,omitempty" yaml:"index,omitempty"`
	IsDefault        bool   `json:"is_default,omitempty" yaml:"is_default,omitempty"`
}

// KeyDTO summarizes a key descriptor. Certificates are counted, not printed.
type KeyDTO struct {
	Use          string `json:"use,omitempty" yaml:"use,omitempty"`
	Certificates int    `json:"certificates" yaml:"certificates"`
}

// AttributeDTO represents an entity attribute tag
type AttributeDTO struct {
	Name       string   `json:"name" yaml:"name"`
	NameFormat string   `json:"name_format,omitempty" yaml:"name_format,omitempty"`
	Values     []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// FromEntity converts an entity to a DTO. Groups lists the names of the
// enclosing EntitiesDescriptors, outermost first.
func FromEntity(e *metadata.EntityDescriptor) EntityDTO {
	dto := EntityDTO{
		EntityID: e.EntityID,
		ID:       e.ID,
		Roles:    make([]RoleDTO, 0, len(e.Roles)),
	}
	if !e.Life.ValidUntil.IsZero() {
		vu := e.Life.ValidUntil.UTC()
		dto.ValidUntil = &vu
	}
	if e.Life.CacheDuration != nil {
		dto.CacheDuration = e.Life.CacheDuration.String()
	}

	for p := e.Parent(); p != nil; p = p.Parent() {
		if g, ok := p.(*metadata.EntitiesDescriptor); ok && g.Name != "" {
			dto.Groups = append([]string{g.Name}, dto.Groups...)
		}
	}

	for _, a := range e.Attributes {
		dto.Attributes = append(dto.Attributes, AttributeDTO{Name: a.Name, NameFormat: a.NameFormat, Values: a.Values})
	}

	for _, r := range e.Roles {
		dto.Roles = append(dto.Roles, FromRole(r))
	}
	return dto
}

// FromEntities converts entities in order.
func FromEntities(es []*metadata.EntityDescriptor) []EntityDTO {
	out := make([]EntityDTO, 0, len(es))
	for _, e := range es {
		out = append(out, FromEntity(e))
	}
	return out
}

// FromRole converts a role descriptor to a DTO
func FromRole(r *metadata.RoleDescriptor) RoleDTO {
	dto := RoleDTO{Kind: r.Kind, Protocols: r.Protocols}
	for _, ep := range r.Endpoints {
		dto.Endpoints = append(dto.Endpoints, EndpointDTO{
			Kind:             ep.Kind,
			Binding:          ep.Binding,
			Location:         ep.Location,
			ResponseLocation: ep.ResponseLocation,
			Index:            ep.Index,
			IsDefault:        ep.IsDefault,
		})
	}
	for _, k := range r.Keys {
		dto.Keys = append(dto.Keys, KeyDTO{Use: k.Use, Certificates: len(k.Certificates)})
	}
	return dto
}
