package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ObserveHTTP("/x", http.MethodGet, 200, time.Millisecond)
		r.CacheResult("instruments", "hit")
		r.BreakerTransition("jwks", 1, "open")
		r.WarmOutcome("latest_price", "warmed", time.Millisecond)
		r.ProjectionAge("latest_price", time.Second)
		r.Decision("instruments", true, false)
		r.RateLimited("read")
		r.TickRead("cache")
		r.JWKSRefresh(false)
	})
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersRecord(t *testing.T) {
	r := NewRegistry()
	r.ObserveHTTP("", http.MethodGet, 404, time.Millisecond)
	r.ObserveHTTP("/api/v1/instruments", http.MethodGet, 200, time.Millisecond)
	r.ObserveHTTP("/api/v1/instruments", http.MethodGet, 200, time.Millisecond)
	r.Decision("curves", false, true)
	r.BreakerTransition("projection_service", 1, "open")
	r.JWKSRefresh(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("/api/v1/instruments", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("unmatched", "GET", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("curves", "denied", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues("projection_service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jwksRefreshes.WithLabelValues("ok")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	r := NewRegistry()
	r.RateLimited("write")
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `access_rate_limited_total{category="write"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
