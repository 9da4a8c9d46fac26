// Package metrics exposes Prometheus collectors for resolver refresh cycles
// and dynamic lookups. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mdresolve"

// Refresh outcome labels.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeUnchanged = "unchanged"
	OutcomeExpired   = "expired"
	OutcomeFailed    = "failed"
)

// Dynamic lookup outcome labels.
const (
	LookupHit         = "hit"
	LookupFetched     = "fetched"
	LookupNegativeHit = "negative_hit"
	LookupNotFound    = "not_found"
	LookupNoKey       = "no_key"
	LookupError       = "error"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	entities        *prometheus.GaugeVec
	nextRefresh     *prometheus.GaugeVec
	lastSuccess     *prometheus.GaugeVec
	lookups         *prometheus.CounterVec
	cacheSize       *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "total",
			Help:      "Refresh cycles by resolver and outcome",
		}, []string{"resolver", "outcome"}),
		refreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of refresh cycles",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"resolver"}),
		entities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities in the current snapshot",
		}, []string{"resolver"}),
		nextRefresh: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "next_timestamp_seconds",
			Help:      "Unix time of the next scheduled refresh",
		}, []string{"resolver"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh",
		}, []string{"resolver"}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dynamic",
			Name:      "lookups_total",
			Help:      "Dynamic lookups by resolver and outcome",
		}, []string{"resolver", "outcome"}),
		cacheSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dynamic",
			Name:      "cache_entries",
			Help:      "Entries held in the dynamic cache",
		}, []string{"resolver"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRefresh records one completed refresh cycle.
func (m *Metrics) ObserveRefresh(resolver, outcome string, took time.Duration, entities int, next, lastSuccess time.Time) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(resolver, outcome).Inc()
	m.refreshDuration.WithLabelValues(resolver).Observe(took.Seconds())
	m.entities.WithLabelValues(resolver).Set(float64(entities))
	if !next.IsZero() {
		m.nextRefresh.WithLabelValues(resolver).Set(float64(next.Unix()))
	}
	if !lastSuccess.IsZero() {
		m.lastSuccess.WithLabelValues(resolver).Set(float64(lastSuccess.Unix()))
	}
}

// ObserveLookup counts one dynamic lookup.
func (m *Metrics) ObserveLookup(resolver, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(resolver, outcome).Inc()
}

// SetCacheSize records the dynamic cache entry count.
func (m *Metrics) SetCacheSize(resolver string, n int) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues(resolver).Set(float64(n))
}

// Forget drops every series labelled with resolver.
func (m *Metrics) Forget(resolver string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"resolver": resolver}
	m.refreshTotal.DeletePartialMatch(labels)
	m.refreshDuration.DeletePartialMatch(labels)
	m.entities.DeletePartialMatch(labels)
	m.nextRefresh.DeletePartialMatch(labels)
	m.lastSuccess.DeletePartialMatch(labels)
	m.lookups.DeletePartialMatch(labels)
	m.cacheSize.DeletePartialMatch(labels)
}
