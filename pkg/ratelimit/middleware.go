package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/httpx"
)

// Identity resolves the caller of r. An empty subject falls back to the
// client address.
type Identity func(r *http.Request) (tenantID, subject string, authenticated bool)

type Middleware struct {
	limiter  Limiter
	limits   Limits
	identify Identity
	onReject func(Category)
	now      func() time.Time
}

type MiddlewareOption func(*Middleware)

// WithRejectHook observes every rejected request.
func WithRejectHook(fn func(Category)) MiddlewareOption {
	return func(m *Middleware) { m.onReject = fn }
}

func WithMiddlewareClock(now func() time.Time) MiddlewareOption {
	return func(m *Middleware) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMiddleware(limiter Limiter, limits Limits, identify Identity, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{limiter: limiter, limits: limits, identify: identify, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handler counts the request against rate_limit:<tenant>:<subject>:<route>
// and rejects it with 429 once the category quota is spent. Mounted behind a
// chi router, <route> is the matched pattern, so every path parameter value
// shares one bucket.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			tenant, subject string
			authenticated   bool
		)
		if m.identify != nil {
			tenant, subject, authenticated = m.identify(r)
		}
		if subject == "" {
			subject = ClientIP(r)
		}
		route := Route(r)
		category := Classify(r.Method, route, authenticated)
		d := m.limiter.Allow(r.Context(), Key(tenant, subject, route), m.limits.For(category))
		now := m.now()
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(d.RetryAfter(now)))
		if !d.Allowed {
			if m.onReject != nil {
				m.onReject(category)
			}
			h.Set("Retry-After", strconv.Itoa(d.RetryAfter(now)))
			httpx.WriteError(w, apperr.New(apperr.RateLimited, "Rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Route is the chi pattern that matched r, or the raw path when r was not
// routed by chi.
func Route(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
