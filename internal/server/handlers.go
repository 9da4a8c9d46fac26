package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/zjrosen/mdresolve/internal/app"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/presentation"
	"github.com/zjrosen/mdresolve/internal/resolver"
)

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ListEntitiesResponse is the response body for entity queries.
type ListEntitiesResponse struct {
	Entities []presentation.EntityDTO `json:"entities"`
	Total    int                      `json:"total"`
}

// ListRolesResponse is the response body for role queries.
type ListRolesResponse struct {
	Roles []presentation.RoleDTO `json:"roles"`
	Total int                    `json:"total"`
}

// ListStatusResponse is the response body for GET /status.
type ListStatusResponse struct {
	Resolvers []app.ResolverStatus `json:"resolvers"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health reports liveness.
// GET /healthz
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// GetEntity resolves one entity by ID. The ID is the rest of the path and may
// be percent-encoded.
// GET /entities/{entityID}?resolver=&role=&protocol=
func (s *Server) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(id)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_entity_id", "Invalid entity ID", err.Error())
			return
		}
		id = unescaped
	}
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_entity_id", "entity ID is required", "")
		return
	}

	q, ok := s.query(w, r)
	if !ok {
		return
	}
	q.EntityID = id

	entities, err := s.app.Lookup(r.Context(), r.URL.Query().Get("resolver"), q)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if len(entities) == 0 {
		s.writeError(w, http.StatusNotFound, "not_found", "Entity not found", id)
		return
	}
	s.writeJSON(w, http.StatusOK, presentation.FromEntity(entities[0]))
}

// ListEntities resolves every entity matching the query parameters.
// GET /entities?resolver=&entity_id=&role=&protocol=&endpoint=&artifact=&attribute=name=value&any=
func (s *Server) ListEntities(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	entities, err := s.app.Lookup(r.Context(), r.URL.Query().Get("resolver"), q)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	dtos := presentation.FromEntities(entities)
	s.writeJSON(w, http.StatusOK, ListEntitiesResponse{Entities: dtos, Total: len(dtos)})
}

// ListRoles resolves the roles of the matching entities.
// GET /roles?resolver=&entity_id=&role=&protocol=
func (s *Server) ListRoles(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	roles, err := s.app.LookupRoles(r.Context(), r.URL.Query().Get("resolver"), q)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	resp := ListRolesResponse{Roles: make([]presentation.RoleDTO, 0, len(roles)), Total: len(roles)}
	for _, role := range roles {
		resp.Roles = append(resp.Roles, presentation.FromRole(role))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ListStatus reports every resolver.
// GET /status
func (s *Server) ListStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ListStatusResponse{Resolvers: s.app.Status()})
}

// GetStatus reports one resolver.
// GET /status/{resolver}
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resolver")
	st, ok := s.app.ResolverStatus(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown_resolver", "Resolver not found", id)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// Refresh runs a refresh cycle and returns the resulting status. A failed
// cycle still answers 200; the failure is part of the status.
// POST /resolvers/{resolver}/refresh
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resolver")
	if _, ok := s.app.ResolverStatus(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown_resolver", "Resolver not found", id)
		return
	}

	err := s.app.Refresh(r.Context(), id)
	switch {
	case errors.Is(err, resolver.ErrDestroyed):
		s.writeError(w, http.StatusServiceUnavailable, "destroyed", "Resolver destroyed", "")
		return
	case err != nil && !isRefreshable(s.app, id):
		s.writeError(w, http.StatusBadRequest, "unsupported", err.Error(), "")
		return
	case err != nil:
		log.Warn(log.CatServer, "refresh requested over api failed", "resolver", id, "error", err)
	}

	st, _ := s.app.ResolverStatus(id)
	s.writeJSON(w, http.StatusOK, st)
}

// Clear drops cached entities of a dynamic resolver, or of the dynamic
// members of a composite.
// POST /resolvers/{resolver}/clear?entity=
func (s *Server) Clear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resolver")
	if _, ok := s.app.ResolverStatus(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown_resolver", "Resolver not found", id)
		return
	}
	if err := s.app.Clear(id, r.URL.Query().Get("entity")); err != nil {
		s.writeError(w, http.StatusBadRequest, "unsupported", err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// query reads the lookup parameters shared by the entity and role endpoints.
func (s *Server) query(w http.ResponseWriter, r *http.Request) (app.Query, bool) {
	v := r.URL.Query()
	q := app.Query{
		EntityID:   v.Get("entity_id"),
		Role:       v.Get("role"),
		Protocol:   v.Get("protocol"),
		Endpoint:   v.Get("endpoint"),
		Artifact:   v.Get("artifact"),
		Attributes: v["attribute"],
	}
	if raw := v.Get("any"); raw != "" {
		satisfyAny, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_query", "any must be a boolean", err.Error())
			return q, false
		}
		q.SatisfyAny = &satisfyAny
	}
	if _, err := q.Criteria(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_query", "Invalid query", err.Error())
		return q, false
	}
	return q, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrUnknownResolver):
		s.writeError(w, http.StatusNotFound, "unknown_resolver", "Resolver not found", err.Error())
	case errors.Is(err, resolver.ErrDestroyed), errors.Is(err, resolver.ErrNotInitialized):
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "Resolver unavailable", err.Error())
	default:
		log.ErrorErr(log.CatServer, "lookup failed", err)
		s.writeError(w, http.StatusBadGateway, "lookup_failed", "Lookup failed", err.Error())
	}
}

func isRefreshable(a *app.App, id string) bool {
	r, err := a.Resolver(id)
	if err != nil {
		return false
	}
	_, ok := r.(resolver.Refreshable)
	return ok
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorErr(log.CatServer, "encoding response", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, details string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
