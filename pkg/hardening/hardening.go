package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	AuthMode           string
	JWKSURL            string
	Audience           string
	RedisURL           string
	PostgresDSN        string
	CORSAllowedOrigins string
}

// ValidateProduction refuses insecure settings when the environment is
// production-like. Other environments pass unchanged.
func ValidateProduction(o Options) error {
	if !IsProductionLikeEnv(o.Environment) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "off") {
		return fmt.Errorf("%s: authentication cannot be disabled in %s", service, o.Environment)
	}
	if strings.TrimSpace(o.JWKSURL) == "" {
		return fmt.Errorf("%s: production requires JWKS_URL", service)
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(o.JWKSURL)), "https://") {
		return fmt.Errorf("%s: production requires an https JWKS_URL", service)
	}
	if strings.TrimSpace(o.Audience) == "" {
		return fmt.Errorf("%s: production requires ACCESS_JWT_AUDIENCE", service)
	}
	if raw := strings.TrimSpace(o.RedisURL); raw != "" && !strings.HasPrefix(strings.ToLower(raw), "rediss://") {
		return fmt.Errorf("%s: production requires a rediss:// ACCESS_REDIS_URL", service)
	}
	if raw := strings.TrimSpace(o.PostgresDSN); raw != "" {
		if err := validatePostgresTLS(raw, service); err != nil {
			return err
		}
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

func validatePostgresTLS(rawURL, service string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s: invalid ACCESS_POSTGRES_DSN: %w", service, err)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))) {
	case "verify-full", "verify-ca", "require":
		return nil
	default:
		return fmt.Errorf("%s: production requires sslmode=require|verify-ca|verify-full on ACCESS_POSTGRES_DSN", service)
	}
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: production forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: production forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: production requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: production requires explicit ACCESS_CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func IsProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
