package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/clickhouse"
	"github.com/254CARBON/access-sub001/pkg/config"
	"github.com/254CARBON/access-sub001/pkg/entitlements"
	"github.com/254CARBON/access-sub001/pkg/hotquery"
	"github.com/254CARBON/access-sub001/pkg/marketdata"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/ratelimit"
	"github.com/254CARBON/access-sub001/pkg/resilience"
	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/store"
)

// headerVerifier trusts X-Test-User and X-Test-Roles.
type headerVerifier struct{}

func (headerVerifier) Authenticate(r *http.Request) (*auth.AuthContext, error) {
	user := r.Header.Get("X-Test-User")
	if user == "" {
		return nil, &auth.AuthError{Reason: auth.ReasonMissingHeader}
	}
	var roles []string
	if raw := r.Header.Get("X-Test-Roles"); raw != "" {
		roles = strings.Split(raw, ",")
	}
	return &auth.AuthContext{Subject: user, TenantID: auth.ResolveTenant(r.Header, nil), Roles: roles}, nil
}

type fakeQuerier struct {
	mu    sync.Mutex
	rows  []map[string]any
	err   error
	calls int
}

func (f *fakeQuerier) Query(context.Context, string, map[string]string) (clickhouse.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return clickhouse.Result{}, f.err
	}
	return clickhouse.Result{Data: f.rows, Rows: len(f.rows)}, nil
}

func (f *fakeQuerier) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeQuerier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProjections struct {
	mu         sync.Mutex
	projection map[string]any
	err        error
	calls      int
	seen       []string
}

func (f *fakeProjections) record(id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, id)
	return f.projection, f.err
}

func (f *fakeProjections) LatestPrice(_ context.Context, _, id string) (map[string]any, error) {
	return f.record(id)
}

func (f *fakeProjections) CurveSnapshot(_ context.Context, _, id, _ string) (map[string]any, error) {
	return f.record(id)
}

func (f *fakeProjections) Custom(_ context.Context, _, id, _ string) (map[string]any, error) {
	return f.record(id)
}

type fixture struct {
	srv     *Server
	handler http.Handler
	ch      *fakeQuerier
	proj    *fakeProjections
}

func allowRule(id string, resource rules.Resource, priority int, conds ...rules.Condition) rules.Rule {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return rules.Rule{
		RuleID:     id,
		Name:       id,
		Resource:   resource,
		Action:     rules.ActionAllow,
		Conditions: conds,
		Priority:   priority,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func defaultRules() []rules.Rule {
	return []rules.Rule{
		allowRule("allow-market-data", rules.ResourceMarketData, 1),
		allowRule("allow-instrument", rules.ResourceInstrument, 1),
	}
}

func newFixture(t *testing.T, seed []rules.Rule) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := store.NewRedisCache(client)
	logger := zap.NewNop()

	svc := entitlements.NewService(rules.NewEngine(), entitlements.NewMemoryStore(),
		entitlements.NewDecisionCache(kv, entitlements.DefaultTTLConfig()))
	_, err := svc.Load(context.Background(), seed)
	require.NoError(t, err)

	cm := cache.NewManager(cache.NewAdaptive(kv, cache.DefaultOptions()), logger)
	ch := &fakeQuerier{}
	proj := &fakeProjections{}
	breakers := resilience.NewManager(resilience.DefaultBreakerConfig())
	breakers.Breaker(clickhouse.BreakerName)
	s := &Server{
		Config:       &config.Config{Env: "test", RouteTimeoutSeconds: 5},
		Logger:       logger,
		Metrics:      metrics.NewRegistry(),
		Breakers:     breakers,
		KV:           kv,
		Cache:        cm,
		Warmer:       hotquery.NewWarmer(hotquery.NewLoader("", logger), cm, proj),
		Entitlements: svc,
		Ticks:        marketdata.NewService(kv, ch),
		Projections:  proj,
		Catalog:      newStaticCatalog(),
		Verifier:     headerVerifier{},
		Limiter:      ratelimit.NewRedis(client, time.Minute),
		Limits:       ratelimit.DefaultLimits(),
		Window:       time.Minute,
		StartedAt:    time.Now(),
	}
	return fixture{srv: s, handler: s.Router(), ch: ch, proj: proj}
}

type call struct {
	method string
	path   string
	body   any
	user   string
	roles  string
	tenant string
}

func (f fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	if c.user != "" {
		req.Header.Set("X-Test-User", c.user)
	}
	if c.roles != "" {
		req.Header.Set("X-Test-Roles", c.roles)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func tickRow() map[string]any {
	return map[string]any{
		"tenant_id":      "acme",
		"symbol":         "NG.H25",
		"market":         "NYMEX",
		"tick_timestamp": "2024-06-01 11:59:00",
		"price":          2.85,
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{
		"redis":       "ok",
		"clickhouse":  "ok",
		"rules_store": "ok",
		"jwks":        "disabled",
	}, body["dependencies"])

	f.ch.err = errors.New("connection refused")
	f.srv.JWKSHealth = func(context.Context) error { return nil }
	rec = f.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "error", deps["clickhouse"])
	assert.Equal(t, "ok", deps["jwks"])
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, call{method: http.MethodGet, path: "/api/v1/status", user: "u1"})
	rec := f.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `access_http_requests_total{method="GET",route="/api/v1/status",status="200"} 1`)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	f := newFixture(t, defaultRules())
	rec := f.do(t, call{method: http.MethodGet, path: "/ticks/latest?symbol=NG.H25"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing or invalid authorization header", decode(t, rec)["detail"])
	assert.Zero(t, f.ch.count())
}

func TestLatestTickCacheThenStore(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.ch.rows = []map[string]any{tickRow()}
	c := call{method: http.MethodGet, path: "/ticks/latest?symbol=NG.H25&market=NYMEX", user: "u1", tenant: "acme"}

	rec := f.do(t, c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "clickhouse", body["source"])
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "2024-06-01T11:59:00.000Z", body["tick_timestamp"])
	assert.Equal(t, 2.85, body["price"])

	rec = f.do(t, c)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "redis", body["source"])
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, 1, f.ch.count())
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestLatestTickErrors(t *testing.T) {
	f := newFixture(t, defaultRules())

	rec := f.do(t, call{method: http.MethodGet, path: "/ticks/latest?symbol=NG.H25", user: "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/ticks/latest?symbol=bad%20symbol", user: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/ticks/latest", user: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.ch.err = apperr.Wrap(apperr.Dependency, "", errors.New("clickhouse: 500 secret stack"))
	rec = f.do(t, call{method: http.MethodGet, path: "/ticks/latest?symbol=CL", user: "u1"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestTickWindow(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.ch.rows = []map[string]any{tickRow(), tickRow()}

	rec := f.do(t, call{method: http.MethodGet, path: "/ticks/window?symbol=NG.H25&start=2024-06-01T00:00:00Z&end=2024-06-02T00:00:00Z", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "clickhouse", body["source"])

	rec = f.do(t, call{method: http.MethodGet, path: "/ticks/window?symbol=NG.H25&start=2024-06-02T00:00:00Z&end=2024-06-01T00:00:00Z", user: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/ticks/window?symbol=NG.H25&start=yesterday&end=2024-06-01T00:00:00Z", user: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start must be an RFC 3339 timestamp", decode(t, rec)["detail"])
}

func TestEntitlementGateUsesRequestContext(t *testing.T) {
	deny := allowRule("deny-cl", rules.ResourceMarketData, 10, rules.Condition{
		Field: "symbol", Operator: rules.OpEquals, Value: rules.String("CL"),
	})
	deny.Action = rules.ActionDeny
	analysts := allowRule("analyst-curves", rules.ResourceCurve, 5, rules.Condition{
		Field: "user_roles", Operator: rules.OpContains, Value: rules.String("analyst"),
	})
	f := newFixture(t, append(defaultRules(), deny, analysts))
	f.ch.rows = []map[string]any{tickRow()}

	rec := f.do(t, call{method: http.MethodGet, path: "/ticks/latest?symbol=CL", user: "u1"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied: Rule 'deny-cl' matched", decode(t, rec)["detail"])
	assert.Zero(t, f.ch.count())

	rec = f.do(t, call{method: http.MethodGet, path: "/ticks/latest?symbol=NG.H25", user: "u1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/curves", user: "u1", roles: "viewer"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied: No applicable rules matched", decode(t, rec)["detail"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/curves", user: "u1", roles: "viewer,analyst"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/pricing", user: "u1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	f2 := newFixture(t, nil)
	rec = f2.do(t, call{method: http.MethodGet, path: "/api/v1/instruments", user: "u1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied: No rules found for resource", decode(t, rec)["detail"])
}

func TestCatalogIsCachedPerUser(t *testing.T) {
	f := newFixture(t, defaultRules())

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/instruments", user: "u1", tenant: "acme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "u1", body["user"])
	assert.Equal(t, "acme", body["tenant"])
	assert.Len(t, body["instruments"], 3)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/instruments", user: "u1", tenant: "acme"})
	assert.Equal(t, true, decode(t, rec)["cached"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/instruments", user: "u2", tenant: "acme"})
	assert.Equal(t, false, decode(t, rec)["cached"])

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/cache/clear", user: "ops", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/cache/clear?user_id=u1&tenant_id=acme", user: "ops", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["cleared"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/instruments", user: "u1", tenant: "acme"})
	assert.Equal(t, false, decode(t, rec)["cached"])
}

func TestCheckEndpoint(t *testing.T) {
	f := newFixture(t, defaultRules())
	body := map[string]any{"user_id": "u1", "resource": "market_data", "action": "read", "context": map[string]any{"symbol": "NG"}}

	rec := f.do(t, call{method: http.MethodPost, path: "/entitlements/check", body: body, user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, true, out["allowed"])
	assert.Equal(t, []any{"allow-market-data"}, out["matched_rules"])
	assert.Equal(t, float64(entitlements.ResponseTTLSeconds), out["ttl_seconds"])
	assert.Equal(t, false, out["cache_hit"])

	rec = f.do(t, call{method: http.MethodPost, path: "/entitlements/check", body: body, user: "u1"})
	assert.Equal(t, true, decode(t, rec)["cache_hit"])

	rec = f.do(t, call{method: http.MethodPost, path: "/entitlements/check", body: map[string]any{"resource": "curve"}, user: "u1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/entitlements/check", body: map[string]any{"bogus": 1}, user: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t, nil)
	admin := func(method, path string, body any) *httptest.ResponseRecorder {
		return f.do(t, call{method: method, path: path, body: body, user: "ops", roles: "admin"})
	}
	rule := map[string]any{
		"rule_id":  "r-1",
		"name":     "curves for acme",
		"resource": "curve",
		"action":   "allow",
		"priority": 10,
		"conditions": []map[string]any{
			{"field": "tenant_id", "operator": "equals", "value": "acme"},
		},
	}

	rec := f.do(t, call{method: http.MethodPost, path: "/entitlements/rules", body: rule, user: "u1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = admin(http.MethodPost, "/entitlements/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "r-1", decode(t, rec)["rule_id"])

	rec = admin(http.MethodPost, "/entitlements/rules", rule)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = admin(http.MethodPost, "/entitlements/rules", map[string]any{"resource": "curve", "action": "allow"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/curves", user: "u1", tenant: "acme"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = admin(http.MethodPut, "/entitlements/rules/r-1", map[string]any{"action": "deny"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "deny", decode(t, rec)["action"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/curves", user: "u1", tenant: "acme"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "decision cache must be invalidated on update")

	rec = admin(http.MethodGet, "/entitlements/rules?resource=curve&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.Equal(t, float64(1), list["total"])
	assert.Equal(t, float64(10), list["limit"])

	rec = admin(http.MethodGet, "/entitlements/rules?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = admin(http.MethodGet, "/entitlements/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["persistence"])

	rec = admin(http.MethodDelete, "/entitlements/rules/r-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r-1", decode(t, rec)["rule_id"])

	rec = admin(http.MethodGet, "/entitlements/rules/r-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = admin(http.MethodGet, "/entitlements/cache/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServedLatestPrice(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.proj.projection = map[string]any{"price": 71.2, "last_updated": "2024-06-01T12:00:00Z"}

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/served/latest-price/cl.f25", user: "u1", tenant: "acme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "CL.F25", body["instrument_id"])
	assert.Equal(t, false, body["cached"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/served/latest-price/CL.F25", user: "u1", tenant: "acme"})
	assert.Equal(t, true, decode(t, rec)["cached"])
	assert.Equal(t, 1, f.proj.calls)
	assert.Equal(t, []string{"CL.F25"}, f.proj.seen)

	f.proj.projection = nil
	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/served/latest-price/NG.H25", user: "u1", tenant: "acme"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/served/custom/NG.H25", user: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.proj.err = &resilience.OpenError{Name: "projection_service"}
	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/served/custom/NG.H25?projection_type=vol", user: "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.srv.Projections = nil
	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/served/latest-price/PJM.WH.DA", user: "u1"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServedCurveSnapshotNeedsCurveEntitlement(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.proj.projection = map[string]any{"points": []any{1.0, 2.0}}

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/served/curve-snapshots/NG.H25", user: "u1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	g := newFixture(t, append(defaultRules(), allowRule("allow-curve", rules.ResourceCurve, 1)))
	g.proj.projection = map[string]any{"points": []any{1.0, 2.0}}
	rec = g.do(t, call{method: http.MethodGet, path: "/api/v1/served/curve-snapshots/NG.H25", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "unknown", decode(t, rec)["horizon"])
}

func TestWarmCacheEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/cache/warm", user: "u1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/cache/warm", body: map[string]any{"tenant_id": "acme"}, user: "ops", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "acme", body["tenant_id"])
	assert.Equal(t, "ops", body["user_id"])
	assert.Equal(t, float64(0), body["misses"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/cache/stats", user: "ops", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gateway:*", decode(t, rec)["pattern"])
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/circuit-breakers", user: "ops", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
	first := body["circuit_breakers"].([]any)[0].(map[string]any)
	assert.Equal(t, "clickhouse", first["name"])
	assert.Equal(t, "closed", first["state"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/rate-limits", user: "ops", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(60), body["window_seconds"])
	assert.Equal(t, map[string]any{"public": 100.0, "authenticated": 1000.0, "heavy": 10.0, "admin": 5.0}, body["configured_limits"])
	assert.Contains(t, body, "stats")
}

func TestAdminRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = f.do(t, call{method: http.MethodGet, path: "/api/v1/circuit-breakers", user: "ops", roles: "admin"})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "Rate limit exceeded", decode(t, last)["detail"])
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "5", last.Header().Get("X-RateLimit-Limit"))

	// Other users keep their own window.
	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/circuit-breakers", user: "ops2", roles: "admin"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteTimeout(t *testing.T) {
	f := newFixture(t, nil)
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	rec := httptest.NewRecorder()
	f.srv.routeTimeout(10*time.Millisecond)(slow).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "Request timed out", decode(t, rec)["detail"])

	fast := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	rec = httptest.NewRecorder()
	f.srv.routeTimeout(time.Second)(fast).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fast", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
