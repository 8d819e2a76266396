package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/httpx"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/resilience"
	"github.com/254CARBON/access-sub001/pkg/telemetry"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	fetchTimeout           = 5 * time.Second
)

// JWKSBreakerName names the breaker around key-set fetches.
const JWKSBreakerName = "jwks"

// ErrKeyNotFound is returned when a kid is absent even after a refresh.
var ErrKeyNotFound = errors.New("signing key not found")

type verificationKey struct {
	kid string
	alg string
	pub crypto.PublicKey
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// KeySet caches the signing keys published at a JWKS URL. Refreshes are
// coalesced; when a refresh fails the previously fetched keys stay in use.
type KeySet struct {
	url             string
	client          *http.Client
	refreshInterval time.Duration
	breaker         *resilience.Breaker
	forced          *rate.Limiter
	forcedFloor     time.Duration
	logger          *zap.Logger
	metrics         *metrics.Registry
	now             func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]verificationKey
	fetchedAt time.Time
}

type KeySetOption func(*KeySet)

func WithHTTPClient(c *http.Client) KeySetOption {
	return func(k *KeySet) {
		if c != nil {
			k.client = c
		}
	}
}

func WithRefreshInterval(d time.Duration) KeySetOption {
	return func(k *KeySet) {
		if d > 0 {
			k.refreshInterval = d
		}
	}
}

func WithBreaker(b *resilience.Breaker) KeySetOption {
	return func(k *KeySet) {
		if b != nil {
			k.breaker = b
		}
	}
}

// WithForcedRefreshLimit bounds refreshes triggered by unknown kids. Once
// the cached set is older than floor an unknown kid refreshes regardless,
// so a flood of bogus kids cannot hold back a key rotation for longer.
func WithForcedRefreshLimit(every time.Duration, burst int, floor time.Duration) KeySetOption {
	return func(k *KeySet) {
		k.forced = rate.NewLimiter(rate.Every(every), burst)
		k.forcedFloor = floor
	}
}

func WithKeySetLogger(l *zap.Logger) KeySetOption {
	return func(k *KeySet) {
		if l != nil {
			k.logger = l
		}
	}
}

func WithKeySetMetrics(m *metrics.Registry) KeySetOption {
	return func(k *KeySet) { k.metrics = m }
}

func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) {
		if now != nil {
			k.now = now
		}
	}
}

func NewKeySet(jwksURL string, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:             strings.TrimSpace(jwksURL),
		client:          telemetry.InstrumentClient(&http.Client{Timeout: fetchTimeout}),
		refreshInterval: defaultRefreshInterval,
		breaker:         resilience.NewBreaker(JWKSBreakerName, resilience.DefaultBreakerConfig()),
		forced:          rate.NewLimiter(rate.Every(10*time.Second), 1),
		forcedFloor:     time.Second,
		logger:          zap.NewNop(),
		now:             time.Now,
		keys:            map[string]verificationKey{},
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Key resolves kid. A stale cached set is refreshed first; an unknown kid
// forces one more refresh before ErrKeyNotFound, rate bounded unless the
// cached set is already older than the forced-refresh floor.
func (k *KeySet) Key(ctx context.Context, kid string) (verificationKey, error) {
	refreshed := false
	if k.expired() {
		if err := k.refreshOrStale(ctx); err != nil {
			return verificationKey{}, err
		}
		refreshed = true
	}
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	if !refreshed && k.mayForceRefresh() {
		if err := k.refreshOrStale(ctx); err != nil {
			return verificationKey{}, err
		}
		if key, ok := k.lookup(kid); ok {
			return key, nil
		}
	}
	return verificationKey{}, ErrKeyNotFound
}

// Refresh fetches the key set now. Concurrent callers share one fetch.
func (k *KeySet) Refresh(ctx context.Context) error {
	_, err, _ := k.group.Do("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		keys, err := resilience.Execute(fetchCtx, k.breaker, k.fetch)
		k.metrics.JWKSRefresh(err == nil)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys = keys
		k.fetchedAt = k.now()
		k.mu.Unlock()
		k.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

// Health succeeds iff a key set was fetched within the refresh interval,
// refreshing first when the cached set is older.
func (k *KeySet) Health(ctx context.Context) error {
	if !k.expired() {
		return nil
	}
	if err := k.Refresh(ctx); err != nil {
		return apperr.Wrap(apperr.Dependency, "jwks unavailable", err)
	}
	return nil
}

func (k *KeySet) refreshOrStale(ctx context.Context) error {
	err := k.Refresh(ctx)
	if err == nil {
		return nil
	}
	k.mu.RLock()
	cached := len(k.keys)
	k.mu.RUnlock()
	if cached > 0 {
		k.logger.Warn("jwks refresh failed; using stale keys", zap.Int("keys", cached), zap.Error(err))
		return nil
	}
	if apperr.KindOf(err) == apperr.CircuitOpen {
		return err
	}
	return apperr.Wrap(apperr.Dependency, "", err)
}

func (k *KeySet) mayForceRefresh() bool {
	if k.forced.Allow() {
		return true
	}
	if k.forcedFloor <= 0 {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.now().Sub(k.fetchedAt) >= k.forcedFloor
}

func (k *KeySet) expired() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fetchedAt.IsZero() || k.now().Sub(k.fetchedAt) >= k.refreshInterval
}

func (k *KeySet) lookup(kid string) (verificationKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" && len(k.keys) == 1 {
		for _, key := range k.keys {
			return key, true
		}
	}
	key, ok := k.keys[kid]
	return key, ok
}

func (k *KeySet) fetch(ctx context.Context) (map[string]verificationKey, error) {
	if k.url == "" {
		return nil, errors.New("jwks url is not configured")
	}
	body, err := httpx.RequestJSON(ctx, k.client, http.MethodGet, k.url, nil, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	next := make(map[string]verificationKey, len(payload.Keys))
	for _, raw := range payload.Keys {
		if raw.Use != "" && raw.Use != "sig" {
			continue
		}
		key, err := parseJWK(raw)
		if err != nil {
			k.logger.Debug("skipping unusable jwk", zap.String("kid", raw.Kid), zap.Error(err))
			continue
		}
		next[key.kid] = key
	}
	if len(next) == 0 {
		return nil, errors.New("jwks has no usable signing keys")
	}
	return next, nil
}

func parseJWK(k jwk) (verificationKey, error) {
	switch strings.ToUpper(k.Kty) {
	case "RSA":
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			return verificationKey{}, err
		}
		alg := strings.ToUpper(strings.TrimSpace(k.Alg))
		if alg == "" {
			alg = "RS256"
		}
		if _, ok := rsaAlgs[alg]; !ok {
			return verificationKey{}, fmt.Errorf("unsupported rsa alg %q", alg)
		}
		return verificationKey{kid: k.Kid, alg: alg, pub: pub}, nil
	case "EC":
		pub, alg, err := ecFromJWK(k.Crv, k.X, k.Y)
		if err != nil {
			return verificationKey{}, err
		}
		if k.Alg != "" && !strings.EqualFold(k.Alg, alg) {
			return verificationKey{}, fmt.Errorf("alg %q does not match curve %s", k.Alg, k.Crv)
		}
		return verificationKey{kid: k.Kid, alg: alg, pub: pub}, nil
	}
	return verificationKey{}, fmt.Errorf("unsupported key type %q", k.Kty)
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid rsa key")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func ecFromJWK(crv, xB64, yB64 string) (*ecdsa.PublicKey, string, error) {
	var curve elliptic.Curve
	var alg string
	switch crv {
	case "P-256":
		curve, alg = elliptic.P256(), "ES256"
	case "P-384":
		curve, alg = elliptic.P384(), "ES384"
	case "P-521":
		curve, alg = elliptic.P521(), "ES512"
	default:
		return nil, "", fmt.Errorf("unsupported curve %q", crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, "", err
	}
	yb, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, "", err
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(xb), Y: new(big.Int).SetBytes(yb)}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, "", errors.New("ec point not on curve")
	}
	return pub, alg, nil
}
