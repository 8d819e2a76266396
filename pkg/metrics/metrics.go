// Package metrics exposes the access layer's Prometheus collectors. A nil
// *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "access"

type Registry struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	cacheOps      *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	warmTotal     *prometheus.CounterVec
	warmDuration  *prometheus.HistogramVec
	projectionAge *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	tickReads     *prometheus.CounterVec
	jwksRefreshes *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		cacheOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Adaptive cache operations by prefix and result.",
		}, []string{"prefix", "result"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		breakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"name", "to"}),
		warmTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_cache_warm_total",
			Help:      "Served cache warm outcomes.",
		}, []string{"projection_type", "result"}),
		warmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "served_cache_warm_duration_seconds",
			Help:      "Duration of individual served cache warm tasks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"projection_type"}),
		projectionAge: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "served_projection_age_seconds",
			Help:      "Age of served projections at warm time.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 21600, 86400},
		}, []string{"projection_type"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_decisions_total",
			Help:      "Entitlement decisions by resource, outcome and source.",
		}, []string{"resource", "outcome", "source"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by category.",
		}, []string{"category"}),
		tickReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_reads_total",
			Help:      "Latest tick reads by source.",
		}, []string{"source"}),
		jwksRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_refresh_total",
			Help:      "JWKS refresh attempts by result.",
		}, []string{"result"}),
	}
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ObserveHTTP(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) CacheResult(prefix, result string) {
	if r == nil {
		return
	}
	r.cacheOps.WithLabelValues(prefix, result).Inc()
}

// BreakerTransition records a move to state; state codes follow the gauge help.
func (r *Registry) BreakerTransition(name string, code int, to string) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(code))
	r.breakerTrips.WithLabelValues(name, to).Inc()
}

func (r *Registry) WarmOutcome(projectionType, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.warmTotal.WithLabelValues(projectionType, result).Inc()
	r.warmDuration.WithLabelValues(projectionType).Observe(d.Seconds())
}

func (r *Registry) ProjectionAge(projectionType string, age time.Duration) {
	if r == nil {
		return
	}
	r.projectionAge.WithLabelValues(projectionType).Observe(age.Seconds())
}

func (r *Registry) Decision(resource string, allowed, cached bool) {
	if r == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	source := "engine"
	if cached {
		source = "cache"
	}
	r.decisions.WithLabelValues(resource, outcome, source).Inc()
}

func (r *Registry) RateLimited(category string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(category).Inc()
}

func (r *Registry) TickRead(source string) {
	if r == nil {
		return
	}
	r.tickReads.WithLabelValues(source).Inc()
}

func (r *Registry) JWKSRefresh(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.jwksRefreshes.WithLabelValues(result).Inc()
}
