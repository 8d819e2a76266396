package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/access-sub001/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                     "test",
		Addr:                    ":0",
		LogLevel:                "error",
		LogFormat:               "json",
		ClickHouseURL:           "http://127.0.0.1:1",
		ClickHouseDatabase:      "market_data",
		KafkaRuleTopic:          "entitlement-rules",
		CacheWarmConcurrency:    5,
		AuthMode:                "off",
		RequiredRole:            "marketdata:read",
		JWKSRefreshSeconds:      300,
		TickCacheTTLSeconds:     5,
		BreakerFailureThreshold: 5,
		BreakerRecoverySeconds:  60,
		RetryMaxAttempts:        3,
		RouteTimeoutSeconds:     15,
		RateLimitPublic:         100,
		RateLimitAuthenticated:  1000,
		RateLimitHeavy:          10,
		RateLimitAdmin:          5,
	}
}

func noDB(context.Context, string) (*pgxpool.Pool, error) {
	return nil, errors.New("unexpected db open")
}

func TestRunGatewayConfigError(t *testing.T) {
	err := runGateway(context.Background(),
		func() (*config.Config, error) { return nil, errors.New("bad env") },
		nil, noDB, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: bad env")
}

func TestRunGatewayRequiresJWKSURL(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = "jwks"
	err := runGateway(context.Background(),
		func() (*config.Config, error) { return cfg, nil },
		nil, noDB, func(context.Context, *http.Server) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWKS_URL")
}

func TestRunGatewayDBError(t *testing.T) {
	cfg := testConfig()
	cfg.PostgresDSN = "postgres://localhost:1/access"
	err := runGateway(context.Background(),
		func() (*config.Config, error) { return cfg, nil },
		nil, noDB, func(context.Context, *http.Server) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: unexpected db open")
}

func TestRunGatewayWiresServer(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	openRedis := func(ctx context.Context, url string) (*redis.Client, error) {
		assert.Equal(t, cfg.RedisURL, url)
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}
	var status, adminCode int
	listen := func(ctx context.Context, server *http.Server) error {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
		status = rec.Code
		rec = httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/circuit-breakers", nil))
		adminCode = rec.Code
		return nil
	}
	err := runGateway(context.Background(),
		func() (*config.Config, error) { return cfg, nil },
		openRedis, noDB, listen)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, http.StatusOK, adminCode, "auth off grants the admin role")
}

func TestRunGatewayFallsBackWithoutRedis(t *testing.T) {
	cfg := testConfig()
	openRedis := func(context.Context, string) (*redis.Client, error) {
		return nil, errors.New("dial tcp: refused")
	}
	called := false
	err := runGateway(context.Background(),
		func() (*config.Config, error) { return cfg, nil },
		openRedis, noDB,
		func(ctx context.Context, server *http.Server) error {
			called = true
			assert.Equal(t, cfg.RouteTimeout()+5*time.Second, server.WriteTimeout)
			return nil
		})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	assert.NoError(t, listenAndServe(ctx, server))
}
