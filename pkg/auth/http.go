package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/httpx"
)

type contextKey string

const authContextKey contextKey = "access.auth"

// Verifier authenticates inbound requests.
type Verifier interface {
	Authenticate(r *http.Request) (*AuthContext, error)
}

// Disabled is a Verifier for auth_mode=off: every request is an anonymous
// caller holding roles, scoped to the tenant named by the override headers.
type Disabled struct {
	Roles []string
}

func (d Disabled) Authenticate(r *http.Request) (*AuthContext, error) {
	return &AuthContext{
		Subject:  "anonymous",
		TenantID: ResolveTenant(r.Header, nil),
		Roles:    append([]string{}, d.Roles...),
	}, nil
}

// Middleware authenticates each request with v and stores the result on the
// request context. Failures short-circuit with the {detail} envelope.
func Middleware(v Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := v.Authenticate(r)
			if err != nil {
				logger.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
				httpx.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
		})
	}
}

func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	return ac, ok && ac != nil
}

func IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
