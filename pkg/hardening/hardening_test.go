package hardening

import "testing"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "gateway",
		Environment:        "production",
		AuthMode:           "jwks",
		JWKSURL:            "https://idp.example.com/.well-known/jwks.json",
		Audience:           "access-layer",
		RedisURL:           "rediss://cache:6380/0",
		PostgresDSN:        "postgres://access@db:5432/access?sslmode=verify-full",
		CORSAllowedOrigins: "https://console.example.com",
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.AuthMode = "off"
		o.RedisURL = "redis://localhost:6379"
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	failures := map[string]func(o *Options){
		"auth_off":          func(o *Options) { o.AuthMode = "off" },
		"jwks_missing":      func(o *Options) { o.JWKSURL = "" },
		"jwks_http":         func(o *Options) { o.JWKSURL = "http://idp.example.com/jwks" },
		"audience_missing":  func(o *Options) { o.Audience = " " },
		"redis_plaintext":   func(o *Options) { o.RedisURL = "redis://cache:6379/0" },
		"postgres_insecure": func(o *Options) { o.PostgresDSN = "postgres://access@db/access?sslmode=disable" },
		"postgres_no_mode":  func(o *Options) { o.PostgresDSN = "postgres://access@db/access" },
		"cors_wildcard":     func(o *Options) { o.CORSAllowedOrigins = "*" },
		"cors_localhost":    func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" },
		"cors_http":         func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" },
		"cors_empty":        func(o *Options) { o.CORSAllowedOrigins = " , " },
	}
	for name, mutate := range failures {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			o := base
			mutate(&o)
			if err := ValidateProduction(o); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}

	t.Run("optional_stores", func(t *testing.T) {
		o := base
		o.RedisURL = ""
		o.PostgresDSN = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected pass without optional stores, got %v", err)
		}
	})
}

func TestIsProductionLikeEnv(t *testing.T) {
	for _, env := range []string{"prod", "Production", " staging ", "stage"} {
		if !IsProductionLikeEnv(env) {
			t.Fatalf("expected %q to be production-like", env)
		}
	}
	for _, env := range []string{"", "dev", "test", "local"} {
		if IsProductionLikeEnv(env) {
			t.Fatalf("expected %q to be non-production", env)
		}
	}
}
