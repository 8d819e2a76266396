package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/config"
	"github.com/254CARBON/access-sub001/pkg/entitlements"
	"github.com/254CARBON/access-sub001/pkg/hotquery"
	"github.com/254CARBON/access-sub001/pkg/httpx"
	"github.com/254CARBON/access-sub001/pkg/marketdata"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/ratelimit"
	"github.com/254CARBON/access-sub001/pkg/resilience"
	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/store"
	"github.com/254CARBON/access-sub001/pkg/telemetry"
)

const adminRole = "admin"

// projectionSource is the served-projection backend; a nil projection
// with a nil error means not found.
type projectionSource interface {
	LatestPrice(ctx context.Context, tenantID, instrumentID string) (map[string]any, error)
	CurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (map[string]any, error)
	Custom(ctx context.Context, tenantID, instrumentID, projectionType string) (map[string]any, error)
}

type limiterStats interface {
	Stats(ctx context.Context) ratelimit.Stats
}

type Server struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Registry
	Breakers     *resilience.Manager
	KV           store.Cache
	Cache        *cache.Manager
	Warmer       *hotquery.Warmer
	Entitlements *entitlements.Service
	Ticks        *marketdata.Service
	Projections  projectionSource
	Catalog      catalogSource
	Verifier     auth.Verifier
	JWKSHealth   func(ctx context.Context) error
	Limiter      ratelimit.Limiter
	Limits       ratelimit.Limits
	Window       time.Duration
	StartedAt    time.Time
}

// Router composes the request pipeline: authentication, rate limiting,
// the per-route budget, then the entitlement gate declared on each route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Config.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))

	onReject := ratelimit.WithRejectHook(func(c ratelimit.Category) { s.Metrics.RateLimited(string(c)) })

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.NewMiddleware(s.Limiter, s.Limits, nil, onReject).Handler)
		r.Get("/healthz", s.health)
		r.Handle("/metrics", s.Metrics.Handler())
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Verifier, s.Logger.Named("auth")))
		r.Use(ratelimit.NewMiddleware(s.Limiter, s.Limits, callerIdentity, onReject).Handler)
		r.Use(s.routeTimeout(s.Config.RouteTimeout()))

		r.Get("/api/v1/status", s.status)
		for _, route := range catalogRoutes {
			r.Get("/api/v1/"+route.prefix, s.entitled(route.resource, "read", s.catalog(route.prefix)))
		}
		r.Get("/api/v1/served/latest-price/{instrument_id}", s.entitled(rules.ResourceMarketData, "read", s.servedLatestPrice))
		r.Get("/api/v1/served/curve-snapshots/{instrument_id}", s.entitled(rules.ResourceCurve, "read", s.servedCurveSnapshot))
		r.Get("/api/v1/served/custom/{instrument_id}", s.entitled(rules.ResourceMarketData, "read", s.servedCustom))

		r.Get("/ticks/latest", s.entitled(rules.ResourceMarketData, "read", s.latestTick))
		r.Get("/ticks/window", s.entitled(rules.ResourceMarketData, "read", s.tickWindow))

		r.Post("/entitlements/check", s.checkEntitlement)
		r.Get("/entitlements/rules", s.withRoles(s.listRules, adminRole))
		r.Post("/entitlements/rules", s.withRoles(s.createRule, adminRole))
		r.Get("/entitlements/rules/{rule_id}", s.withRoles(s.getRule, adminRole))
		r.Put("/entitlements/rules/{rule_id}", s.withRoles(s.updateRule, adminRole))
		r.Delete("/entitlements/rules/{rule_id}", s.withRoles(s.deleteRule, adminRole))
		r.Get("/entitlements/stats", s.withRoles(s.entitlementStats, adminRole))
		r.Get("/entitlements/cache/stats", s.withRoles(s.entitlementCacheStats, adminRole))

		r.Post("/api/v1/cache/warm", s.withRoles(s.warmCache, adminRole))
		r.Post("/api/v1/cache/clear", s.withRoles(s.clearCache, adminRole))
		r.Get("/api/v1/cache/stats", s.withRoles(s.cacheStats, adminRole))
		r.Get("/api/v1/circuit-breakers", s.withRoles(s.circuitBreakers, adminRole))
		r.Get("/api/v1/rate-limits", s.withRoles(s.rateLimits, adminRole))
	})
	return r
}

func callerIdentity(r *http.Request) (string, string, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		return "", "", false
	}
	return ac.TenantID, ac.Subject, true
}

type statusRecorder struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	if s.wrote {
		return
	}
	s.code = statusCode
	s.wrote = true
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.Metrics.ObserveHTTP(route, r.Method, rec.code, time.Since(start))
	})
}

// routeTimeout bounds each request. A handler that returns after the
// budget without writing gets the timeout envelope.
func (s *Server) routeTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			if !rec.wrote && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				httpx.WriteError(w, apperr.New(apperr.Timeout, "Request timed out"))
			}
		})
	}
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, apperr.New(apperr.Unauthenticated, "Not authenticated"))
			return
		}
		if !auth.HasAnyRole(ac, roles...) {
			httpx.WriteError(w, apperr.New(apperr.Forbidden, "Insufficient role"))
			return
		}
		h(w, r)
	}
}

// writeFailure logs server-side failures before writing the envelope.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch apperr.KindOf(err) {
	case apperr.Internal:
		s.Logger.Error(op+" failed", zap.String("path", r.URL.Path), zap.Error(err))
	case apperr.Dependency, apperr.CircuitOpen, apperr.Timeout:
		s.Logger.Warn(op+" failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httpx.WriteError(w, err)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"service":        serviceName,
		"status":         "running",
		"env":            s.Config.Env,
		"uptime_seconds": int64(time.Since(s.StartedAt).Seconds()),
	})
}

func (s *Server) circuitBreakers(w http.ResponseWriter, r *http.Request) {
	states := s.Breakers.States()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"circuit_breakers": states,
		"count":            len(states),
	})
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"configured_limits": s.Limits.Map(),
		"window_seconds":    int(s.Window.Seconds()),
	}
	if st, ok := s.Limiter.(limiterStats); ok {
		body["stats"] = st.Stats(r.Context())
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}
