// Package config loads the access layer settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env       string `mapstructure:"env"`
	Addr      string `mapstructure:"addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	RedisURL           string `mapstructure:"redis_url"`
	ClickHouseURL      string `mapstructure:"clickhouse_url"`
	ClickHouseUser     string `mapstructure:"clickhouse_user"`
	ClickHousePassword string `mapstructure:"clickhouse_password"`
	ClickHouseDatabase string `mapstructure:"clickhouse_database"`
	PostgresDSN        string `mapstructure:"postgres_dsn"`
	MigrationsDir      string `mapstructure:"migrations_dir"`

	KafkaBootstrap string `mapstructure:"kafka_bootstrap"`
	KafkaRuleTopic string `mapstructure:"kafka_rule_topic"`
	KafkaGroupID   string `mapstructure:"kafka_group_id"`

	ProjectionServiceURL string `mapstructure:"projection_service_url"`
	CacheWarmConcurrency int    `mapstructure:"cache_warm_concurrency"`
	HotQueriesPath       string `mapstructure:"hot_queries_path"`
	RulesSeedFile        string `mapstructure:"rules_seed_file"`

	AuthMode            string `mapstructure:"auth_mode"`
	JWKSURL             string `mapstructure:"jwks_url"`
	JWTAudience         string `mapstructure:"jwt_audience"`
	JWTIssuer           string `mapstructure:"jwt_issuer"`
	RequiredRole        string `mapstructure:"required_role"`
	JWKSRefreshSeconds  int    `mapstructure:"jwks_refresh_seconds"`
	TickCacheTTLSeconds int    `mapstructure:"tick_cache_ttl_seconds"`

	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold"`
	BreakerRecoverySeconds  int `mapstructure:"breaker_recovery_seconds"`
	RetryMaxAttempts        int `mapstructure:"retry_max_attempts"`
	RetryBaseDelayMS        int `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMS         int `mapstructure:"retry_max_delay_ms"`
	RouteTimeoutSeconds     int `mapstructure:"route_timeout_seconds"`

	RateLimitPublic        int `mapstructure:"rate_limit_public"`
	RateLimitAuthenticated int `mapstructure:"rate_limit_authenticated"`
	RateLimitHeavy         int `mapstructure:"rate_limit_heavy"`
	RateLimitAdmin         int `mapstructure:"rate_limit_admin"`

	EnableTracing      bool   `mapstructure:"enable_tracing"`
	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins"`
}

var defaults = map[string]any{
	"env":                       "local",
	"addr":                      ":8000",
	"log_level":                 "info",
	"log_format":                "json",
	"redis_url":                 "redis://localhost:6379/0",
	"clickhouse_url":            "http://localhost:8123",
	"clickhouse_user":           "",
	"clickhouse_password":       "",
	"clickhouse_database":       "",
	"postgres_dsn":              "",
	"migrations_dir":            "migrations",
	"kafka_bootstrap":           "",
	"kafka_rule_topic":          "access.entitlements.rules.v1",
	"kafka_group_id":            "access-gateway",
	"projection_service_url":    "",
	"cache_warm_concurrency":    5,
	"hot_queries_path":          "",
	"rules_seed_file":           "",
	"auth_mode":                 "jwks",
	"jwks_url":                  "",
	"jwt_audience":              "",
	"jwt_issuer":                "",
	"required_role":             "marketdata:read",
	"jwks_refresh_seconds":      300,
	"tick_cache_ttl_seconds":    5,
	"breaker_failure_threshold": 5,
	"breaker_recovery_seconds":  60,
	"retry_max_attempts":        3,
	"retry_base_delay_ms":       1000,
	"retry_max_delay_ms":        60000,
	"route_timeout_seconds":     15,
	"rate_limit_public":         100,
	"rate_limit_authenticated":  1000,
	"rate_limit_heavy":          10,
	"rate_limit_admin":          5,
	"enable_tracing":            false,
	"cors_allowed_origins":      "",
}

// Load reads ACCESS_* variables (JWKS_URL is also accepted unprefixed) and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if err := v.BindEnv("jwks_url", "ACCESS_JWKS_URL", "JWKS_URL"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.CacheWarmConcurrency < 1 {
		return fmt.Errorf("ACCESS_CACHE_WARM_CONCURRENCY must be >= 1, got %d", c.CacheWarmConcurrency)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("ACCESS_BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerFailureThreshold)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("ACCESS_RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.TickCacheTTLSeconds < 1 {
		return fmt.Errorf("ACCESS_TICK_CACHE_TTL_SECONDS must be >= 1, got %d", c.TickCacheTTLSeconds)
	}
	switch strings.ToLower(strings.TrimSpace(c.AuthMode)) {
	case "jwks":
	case "off":
		if !IsNonProduction(c.Env) {
			return fmt.Errorf("ACCESS_AUTH_MODE=off requires ACCESS_ENV=local|dev|development|test")
		}
	default:
		return fmt.Errorf("unsupported ACCESS_AUTH_MODE %q", c.AuthMode)
	}
	return nil
}

func (c *Config) JWKSRefreshInterval() time.Duration {
	return time.Duration(c.JWKSRefreshSeconds) * time.Second
}

func (c *Config) TickCacheTTL() time.Duration {
	return time.Duration(c.TickCacheTTLSeconds) * time.Second
}

func (c *Config) BreakerRecovery() time.Duration {
	return time.Duration(c.BreakerRecoverySeconds) * time.Second
}

func (c *Config) RouteTimeout() time.Duration {
	return time.Duration(c.RouteTimeoutSeconds) * time.Second
}

func (c *Config) KafkaBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBootstrap, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func IsNonProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "local", "dev", "development", "test":
		return true
	}
	return false
}
