package app

import (
	"time"

	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/dynamic"
	"github.com/zjrosen/mdresolve/internal/resolver"
)

// ResolverStatus is the printable state of one resolver.
type ResolverStatus struct {
	ID       string   `json:"id" yaml:"id"`
	Type     string   `json:"type" yaml:"type"`
	Source   string   `json:"source,omitempty" yaml:"source,omitempty"`
	Members  []string `json:"members,omitempty" yaml:"members,omitempty"`
	Entities int      `json:"entities" yaml:"entities"`

	// Refresh history; unset for dynamic resolvers.
	LastUpdate            *time.Time `json:"last_update,omitempty" yaml:"last_update,omitempty"`
	LastRefresh           *time.Time `json:"last_refresh,omitempty" yaml:"last_refresh,omitempty"`
	LastSuccessfulRefresh *time.Time `json:"last_successful_refresh,omitempty" yaml:"last_successful_refresh,omitempty"`
	LastRefreshSucceeded  *bool      `json:"last_refresh_succeeded,omitempty" yaml:"last_refresh_succeeded,omitempty"`
	LastFailure           string     `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
	ExpirationTime        *time.Time `json:"expiration_time,omitempty" yaml:"expiration_time,omitempty"`
	NextRefresh           *time.Time `json:"next_refresh,omitempty" yaml:"next_refresh,omitempty"`
}

// Status reports every configured resolver in order.
func (a *App) Status() []ResolverStatus {
	out := make([]ResolverStatus, 0, len(a.cfg.Resolvers))
	for _, rc := range a.cfg.Resolvers {
		out = append(out, a.status(rc))
	}
	return out
}

// ResolverStatus reports one resolver.
func (a *App) ResolverStatus(id string) (ResolverStatus, bool) {
	rc, ok := a.cfg.Resolver(id)
	if !ok {
		return ResolverStatus{}, false
	}
	return a.status(rc), true
}

func (a *App) status(rc config.ResolverConfig) ResolverStatus {
	st := ResolverStatus{ID: rc.ID, Type: rc.Type, Members: rc.Members}

	switch r := a.resolvers[rc.ID].(type) {
	case *resolver.Batch:
		st.Source = r.Source()
		st.Entities = r.Snapshot().Len()
		st.withRefresh(r.Status())
	case *dynamic.Resolver:
		st.Source = r.Source()
		st.Entities = r.Snapshot().Len()
	case *resolver.Composite:
		for _, m := range rc.Members {
			st.Entities += a.status(mustConfig(a.cfg, m)).Entities
		}
		st.withRefresh(r.Status())
	}
	return st
}

func (st *ResolverStatus) withRefresh(s resolver.Status) {
	st.LastUpdate = timePtr(s.LastUpdate)
	st.LastRefresh = timePtr(s.LastRefresh)
	st.LastSuccessfulRefresh = timePtr(s.LastSuccessfulRefresh)
	st.ExpirationTime = timePtr(s.ExpirationTime)
	st.NextRefresh = timePtr(s.NextRefresh)
	if !s.LastRefresh.IsZero() {
		ok := s.WasLastRefreshSuccess
		st.LastRefreshSucceeded = &ok
	}
	if s.LastFailure != nil {
		st.LastFailure = s.LastFailure.Error()
	}
}

func mustConfig(cfg config.Config, id string) config.ResolverConfig {
	rc, _ := cfg.Resolver(id)
	return rc
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
