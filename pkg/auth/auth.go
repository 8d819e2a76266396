// Package auth verifies bearer tokens against a rotating JWKS key set and
// derives the request's subject, tenant and roles.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
)

const DefaultTenant = "default"

// Reason classifies authentication failures.
type Reason string

const (
	ReasonMissingHeader Reason = "missing_header"
	ReasonKeyNotFound   Reason = "key_not_found"
	ReasonInvalidToken  Reason = "invalid_token"
	ReasonForbiddenRole Reason = "forbidden_role"
)

type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "auth: " + string(e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) ErrorKind() apperr.Kind {
	if e.Reason == ReasonForbiddenRole {
		return apperr.Forbidden
	}
	return apperr.Unauthenticated
}

// PublicDetail is the client-facing message for the failure.
func (e *AuthError) PublicDetail() string {
	switch e.Reason {
	case ReasonMissingHeader:
		return "Missing or invalid authorization header"
	case ReasonKeyNotFound:
		return "Unable to find appropriate signing key"
	case ReasonForbiddenRole:
		return "Insufficient permissions"
	default:
		return "Invalid token"
	}
}

// AuthContext is the verified identity attached to a request.
type AuthContext struct {
	Subject  string         `json:"subject"`
	TenantID string         `json:"tenant_id"`
	Roles    []string       `json:"roles"`
	Claims   map[string]any `json:"claims,omitempty"`
	RawToken string         `json:"-"`
}

func (a *AuthContext) HasRole(role string) bool {
	return HasAnyRole(a, role)
}

// HasAnyRole reports whether a carries at least one of required,
// case-insensitively. An empty required list always matches.
func HasAnyRole(a *AuthContext, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if a == nil {
		return false
	}
	set := map[string]struct{}{}
	for _, r := range a.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type Config struct {
	Audience     string
	Issuer       string
	RequiredRole string
}

type Authenticator struct {
	keys   *KeySet
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

type AuthenticatorOption func(*Authenticator)

func WithLogger(l *zap.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAuthenticator(keys *KeySet, cfg Config, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{keys: keys, cfg: cfg, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Authenticate validates the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &AuthError{Reason: ReasonMissingHeader}
	}
	return a.AuthenticateToken(r.Context(), token, r.Header)
}

// AuthenticateToken validates a raw token. headers supplies tenant
// overrides and may be nil.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string, headers http.Header) (*AuthContext, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &AuthError{Reason: ReasonMissingHeader}
	}
	claims, err := verifyToken(ctx, token, a.keys, a.now().UTC(), a.cfg.Issuer, a.cfg.Audience)
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return nil, &AuthError{Reason: ReasonKeyNotFound, Err: err}
		case isDependencyFailure(err):
			return nil, err
		}
		a.logger.Debug("token rejected", zap.Error(err))
		return nil, &AuthError{Reason: ReasonInvalidToken, Err: err}
	}
	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, &AuthError{Reason: ReasonInvalidToken, Err: errors.New("subject required")}
	}
	ac := &AuthContext{
		Subject:  subject,
		TenantID: ResolveTenant(headers, claims),
		Roles:    ExtractRoles(claims),
		Claims:   claims,
		RawToken: token,
	}
	if a.cfg.RequiredRole != "" && !ac.HasRole(a.cfg.RequiredRole) {
		return nil, &AuthError{Reason: ReasonForbiddenRole, Err: errors.New("missing role " + a.cfg.RequiredRole)}
	}
	return ac, nil
}

// Health succeeds iff a recent key-set fetch succeeded.
func (a *Authenticator) Health(ctx context.Context) error {
	return a.keys.Health(ctx)
}

func isDependencyFailure(err error) bool {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Kind == apperr.Dependency
	}
	return apperr.KindOf(err) == apperr.CircuitOpen
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("bearer "):])
	return token, token != ""
}

var tenantClaims = []string{"tenant_id", "tenant", "custom:tenantId", "custom:tenant_id"}

// ResolveTenant applies X-Tenant-ID, X-Tenant, then the tenant claims in
// order, ignoring blank values, and falls back to DefaultTenant.
func ResolveTenant(headers http.Header, claims map[string]any) string {
	if headers != nil {
		for _, h := range []string{"X-Tenant-ID", "X-Tenant"} {
			if v := strings.TrimSpace(headers.Get(h)); v != "" {
				return v
			}
		}
	}
	for _, c := range tenantClaims {
		if v, ok := claims[c].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return DefaultTenant
}

// ExtractRoles merges roles, scope, realm_access.roles and every
// resource_access.<client>.roles into a sorted, de-duplicated list.
func ExtractRoles(claims map[string]any) []string {
	set := map[string]struct{}{}
	add := func(v any) {
		list, ok := v.([]any)
		if !ok {
			if s, ok := v.(string); ok && s != "" {
				set[s] = struct{}{}
			}
			return
		}
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				set[s] = struct{}{}
			}
		}
	}
	add(claims["roles"])
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			set[s] = struct{}{}
		}
	}
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		add(realm["roles"])
	}
	if resources, ok := claims["resource_access"].(map[string]any); ok {
		for _, client := range resources {
			if m, ok := client.(map[string]any); ok {
				add(m["roles"])
			}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
