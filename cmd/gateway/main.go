package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/clickhouse"
	"github.com/254CARBON/access-sub001/pkg/config"
	"github.com/254CARBON/access-sub001/pkg/entitlements"
	"github.com/254CARBON/access-sub001/pkg/hardening"
	"github.com/254CARBON/access-sub001/pkg/hotquery"
	"github.com/254CARBON/access-sub001/pkg/logging"
	"github.com/254CARBON/access-sub001/pkg/marketdata"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/ratelimit"
	"github.com/254CARBON/access-sub001/pkg/resilience"
	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/served"
	"github.com/254CARBON/access-sub001/pkg/statebus"
	"github.com/254CARBON/access-sub001/pkg/store"
	"github.com/254CARBON/access-sub001/pkg/telemetry"
)

const serviceName = "access-gateway"

type gatewayLoadConfigFunc func() (*config.Config, error)
type gatewayOpenRedisFunc func(ctx context.Context, url string) (*redis.Client, error)
type gatewayOpenDBFunc func(ctx context.Context, dsn string) (*pgxpool.Pool, error)
type gatewayListenFunc func(ctx context.Context, server *http.Server) error

// Testable variables for main()
var (
	logFatalf   = log.Fatalf
	loadConfigG = config.Load
	openRedisG  = func(ctx context.Context, url string) (*redis.Client, error) {
		return store.NewRedis(ctx, url, store.RedisTLSFilesFromEnv())
	}
	openDBG  = store.NewPostgresPool
	listenFG = listenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, loadConfigG, openRedisG, openDBG, listenFG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	ctx context.Context,
	loadConfig gatewayLoadConfigFunc,
	openRedis gatewayOpenRedisFunc,
	openDB gatewayOpenDBFunc,
	listen gatewayListenFunc,
) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Development: config.IsNonProduction(cfg.Env) && cfg.LogFormat == "console",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        cfg.Env,
		AuthMode:           cfg.AuthMode,
		JWKSURL:            cfg.JWKSURL,
		Audience:           cfg.JWTAudience,
		RedisURL:           cfg.RedisURL,
		PostgresDSN:        cfg.PostgresDSN,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}); err != nil {
		return err
	}
	authEnabled := !strings.EqualFold(strings.TrimSpace(cfg.AuthMode), "off")
	if authEnabled && !auth.IsValidURL(cfg.JWKSURL) {
		return errors.New("JWKS_URL must be an absolute URL when ACCESS_AUTH_MODE=jwks")
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Enabled:     cfg.EnableTracing,
	}, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := metrics.NewRegistry()
	breakers := resilience.NewManager(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecovery(),
	}, resilience.WithStateListener(breakerListener(reg, logger)))

	var redisClient *redis.Client
	if openRedis != nil {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory cache and limits", zap.Error(err))
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	var kv store.Cache
	if redisClient != nil {
		kv = store.NewCache(ctx, redisClient)
	} else {
		kv = store.NewMemoryCache()
	}

	ch := clickhouse.NewClient(clickhouse.Config{
		URL:      cfg.ClickHouseURL,
		User:     cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
		Database: cfg.ClickHouseDatabase,
	},
		clickhouse.WithBreaker(breakers.Breaker(clickhouse.BreakerName)),
		clickhouse.WithLogger(logger.Named("clickhouse")),
	)
	ticks := marketdata.NewService(kv, ch,
		marketdata.WithCacheTTL(cfg.TickCacheTTL()),
		marketdata.WithLogger(logger.Named("ticks")),
		marketdata.WithMetrics(reg),
	)

	adaptive := cache.NewAdaptive(kv, cache.DefaultOptions(),
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(reg),
	)
	cacheManager := cache.NewManager(adaptive, logger.Named("cache"))

	var projections projectionSource
	var warmSource hotquery.ProjectionSource
	if strings.TrimSpace(cfg.ProjectionServiceURL) != "" {
		retry := served.RetryConfig()
		retry.MaxAttempts = cfg.RetryMaxAttempts
		client := served.NewClient(cfg.ProjectionServiceURL,
			served.WithBreaker(breakers.Register(served.BreakerName, served.BreakerConfig())),
			served.WithRetry(retry),
			served.WithLogger(logger.Named("served")),
		)
		projections, warmSource = client, client
	} else {
		logger.Warn("ACCESS_PROJECTION_SERVICE_URL not set; served routes and cache warm are disabled")
	}
	warmer := hotquery.NewWarmer(
		hotquery.NewLoader(cfg.HotQueriesPath, logger.Named("hotquery")),
		cacheManager,
		warmSource,
		hotquery.WithConcurrency(cfg.CacheWarmConcurrency),
		hotquery.WithMetrics(reg),
		hotquery.WithLogger(logger.Named("warmer")),
	)

	var ruleStore entitlements.Store = entitlements.NewMemoryStore()
	persistence := "memory"
	if dsn := strings.TrimSpace(cfg.PostgresDSN); dsn != "" && openDB != nil {
		pool, err := openDB(ctx, dsn)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		ruleStore = entitlements.NewPostgresStore(pool)
		persistence = "postgres"
	}

	serviceOpts := []entitlements.ServiceOption{
		entitlements.WithLogger(logger.Named("entitlements")),
		entitlements.WithMetrics(reg),
	}
	var ruleEvents statebus.Consumer
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: brokers, Topic: cfg.KafkaRuleTopic})
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer pub.Close()
		serviceOpts = append(serviceOpts, entitlements.WithPublisher(entitlements.NewBusPublisher(pub)))
	}
	svc := entitlements.NewService(
		rules.NewEngine(rules.WithLogger(logger.Named("rules"))),
		ruleStore,
		entitlements.NewDecisionCache(kv, entitlements.DefaultTTLConfig(), entitlements.WithCacheLogger(logger.Named("decisions"))),
		serviceOpts...,
	)
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		// Every instance needs every event, so each joins its own group.
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   cfg.KafkaRuleTopic,
			GroupID: cfg.KafkaGroupID + "-" + svc.Origin(),
		})
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumer.Close()
		ruleEvents = consumer
	}

	var seed []rules.Rule
	if path := strings.TrimSpace(cfg.RulesSeedFile); path != "" {
		seed, err = entitlements.LoadSeedFile(path, time.Now())
		if err != nil {
			return fmt.Errorf("rules seed: %w", err)
		}
	}
	loaded, err := svc.Load(ctx, seed)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	logger.Info("entitlement rules loaded", zap.Int("rules", loaded), zap.String("persistence", persistence))

	s := &Server{
		Config:       cfg,
		Logger:       logger,
		Metrics:      reg,
		Breakers:     breakers,
		KV:           kv,
		Cache:        cacheManager,
		Warmer:       warmer,
		Entitlements: svc,
		Ticks:        ticks,
		Projections:  projections,
		Catalog:      newStaticCatalog(),
		Limits: ratelimit.Limits{
			Public:        cfg.RateLimitPublic,
			Authenticated: cfg.RateLimitAuthenticated,
			Heavy:         cfg.RateLimitHeavy,
			Admin:         cfg.RateLimitAdmin,
		},
		Window:    ratelimit.DefaultWindow,
		StartedAt: time.Now(),
	}
	if redisClient != nil {
		rl := ratelimit.NewRedis(redisClient, ratelimit.DefaultWindow)
		rl.Logger = logger.Named("ratelimit")
		s.Limiter = rl
	} else {
		s.Limiter = ratelimit.NewInMemory(ratelimit.DefaultWindow)
	}
	if authEnabled {
		keys := auth.NewKeySet(cfg.JWKSURL,
			auth.WithRefreshInterval(cfg.JWKSRefreshInterval()),
			auth.WithBreaker(breakers.Breaker(auth.JWKSBreakerName)),
			auth.WithKeySetLogger(logger.Named("jwks")),
			auth.WithKeySetMetrics(reg),
		)
		authenticator := auth.NewAuthenticator(keys, auth.Config{
			Audience:     cfg.JWTAudience,
			Issuer:       cfg.JWTIssuer,
			RequiredRole: cfg.RequiredRole,
		}, auth.WithLogger(logger.Named("auth")))
		s.Verifier = authenticator
		s.JWKSHealth = authenticator.Health
	} else {
		logger.Warn("authentication disabled", zap.String("env", cfg.Env))
		s.Verifier = auth.Disabled{Roles: []string{cfg.RequiredRole, adminRole}}
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if ruleEvents != nil {
		go svc.Subscribe(loopCtx, ruleEvents)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RouteTimeout() + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("gateway listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(ctx, server)
}

// listenAndServe serves until ctx ends, then drains in-flight requests.
func listenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func breakerListener(reg *metrics.Registry, logger *zap.Logger) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		reg.BreakerTransition(name, int(to), to.String())
		logger.Warn("circuit breaker transition",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}
