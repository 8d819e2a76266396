package entitlements

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/store"
)

const keyPrefix = "entitlement:"

// TTLConfig bounds decision cache lifetimes.
type TTLConfig struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

func DefaultTTLConfig() TTLConfig {
	return TTLConfig{Default: 300 * time.Second, Min: 30 * time.Second, Max: time.Hour}
}

// Decision is the cached outcome of one entitlement check.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Reason       string     `json:"reason"`
	MatchedRules []string   `json:"matched_rules"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TTLSeconds   int        `json:"ttl_seconds"`
	CachedAt     time.Time  `json:"cached_at,omitempty"`
}

// ContextHash is the md5 of the sorted-key JSON of the check inputs. An
// empty tenant serializes as null.
func ContextHash(req CheckRequest) string {
	tenant := rules.Value{}
	if req.TenantID != "" {
		tenant = rules.String(req.TenantID)
	}
	ctx := req.Context
	if ctx == nil {
		ctx = map[string]rules.Value{}
	}
	payload := rules.Map(map[string]rules.Value{
		"user_id":   rules.String(req.UserID),
		"tenant_id": tenant,
		"resource":  rules.String(req.Resource),
		"action":    rules.String(req.Action),
		"context":   rules.Map(ctx),
	})
	sum := md5.Sum(payload.Canonical())
	return hex.EncodeToString(sum[:])
}

// DecisionKey builds entitlement:user:U[:tenant:T]:resource:R:action:A:ctx:H.
func DecisionKey(userID, tenantID, resource, action, hash string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString("user:")
	b.WriteString(userID)
	if tenantID != "" {
		b.WriteString(":tenant:")
		b.WriteString(tenantID)
	}
	b.WriteString(":resource:")
	b.WriteString(resource)
	b.WriteString(":action:")
	b.WriteString(action)
	b.WriteString(":ctx:")
	b.WriteString(hash)
	return b.String()
}

// DecisionCache stores entitlement decisions with a TTL derived from the
// decision itself. Store failures read as misses and never surface.
type DecisionCache struct {
	kv     store.Cache
	ttl    TTLConfig
	logger *zap.Logger
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

type CacheOption func(*DecisionCache)

func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *DecisionCache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *DecisionCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewDecisionCache(kv store.Cache, ttl TTLConfig, opts ...CacheOption) *DecisionCache {
	def := DefaultTTLConfig()
	if ttl.Default <= 0 {
		ttl.Default = def.Default
	}
	if ttl.Min < time.Second {
		ttl.Min = def.Min
	}
	if ttl.Max < ttl.Min {
		ttl.Max = def.Max
	}
	c := &DecisionCache{kv: kv, ttl: ttl, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AdaptiveTTL halves the default for denials and again when the decision
// carries no expiry, stretches it by half when several rules matched, then
// clamps to [Min, Max].
func (c *DecisionCache) AdaptiveTTL(d Decision) time.Duration {
	secs := int64(c.ttl.Default / time.Second)
	if !d.Allowed {
		secs /= 2
	}
	if d.ExpiresAt == nil {
		secs /= 2
	}
	if len(d.MatchedRules) > 1 {
		secs = secs * 3 / 2
	}
	return c.clamp(time.Duration(secs) * time.Second)
}

func (c *DecisionCache) clamp(ttl time.Duration) time.Duration {
	if ttl < c.ttl.Min {
		return c.ttl.Min
	}
	if ttl > c.ttl.Max {
		return c.ttl.Max
	}
	return ttl
}

// Get returns the cached decision for the key. Entries whose decision
// expiry has passed are deleted and reported as misses.
func (c *DecisionCache) Get(ctx context.Context, key string) (Decision, bool) {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if !store.IsMiss(err) {
			c.logger.Warn("decision cache read failed", zap.Error(err))
		}
		c.misses.Add(1)
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		c.logger.Warn("decision cache entry undecodable", zap.String("key", key), zap.Error(err))
		c.misses.Add(1)
		return Decision{}, false
	}
	if d.ExpiresAt != nil && d.ExpiresAt.Before(c.now()) {
		if _, err := c.kv.Del(ctx, key); err != nil {
			c.logger.Warn("decision cache delete failed", zap.Error(err))
		}
		c.misses.Add(1)
		return Decision{}, false
	}
	c.hits.Add(1)
	return d, true
}

// Set stores d under key. A zero ttl selects AdaptiveTTL; any ttl is
// clamped to the configured bounds.
func (c *DecisionCache) Set(ctx context.Context, key string, d Decision, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.AdaptiveTTL(d)
	} else {
		ttl = c.clamp(ttl)
	}
	d.CachedAt = c.now().UTC()
	raw, err := json.Marshal(d)
	if err != nil {
		c.logger.Warn("decision cache encode failed", zap.Error(err))
		return false
	}
	if err := c.kv.Set(ctx, key, string(raw), ttl); err != nil {
		c.logger.Warn("decision cache write failed", zap.Error(err))
		return false
	}
	return true
}

func (c *DecisionCache) InvalidateUser(ctx context.Context, userID string) int64 {
	return c.deletePattern(ctx, keyPrefix+"user:"+escapeGlob(userID)+":*")
}

func (c *DecisionCache) InvalidateTenant(ctx context.Context, tenantID string) int64 {
	return c.deletePattern(ctx, keyPrefix+"user:*:tenant:"+escapeGlob(tenantID)+":*")
}

func (c *DecisionCache) InvalidateResource(ctx context.Context, resource string) int64 {
	return c.deletePattern(ctx, keyPrefix+"user:*:resource:"+escapeGlob(resource)+":*")
}

// InvalidateRule drops every decision the rule could have influenced: its
// tenant, its user and its resource.
func (c *DecisionCache) InvalidateRule(ctx context.Context, r rules.Rule) int64 {
	var n int64
	if r.TenantID != "" {
		n += c.InvalidateTenant(ctx, r.TenantID)
	}
	if r.UserID != "" {
		n += c.InvalidateUser(ctx, r.UserID)
	}
	n += c.InvalidateResource(ctx, string(r.Resource))
	return n
}

// Clear removes every cached decision.
func (c *DecisionCache) Clear(ctx context.Context) int64 {
	return c.deletePattern(ctx, keyPrefix+"*")
}

func (c *DecisionCache) deletePattern(ctx context.Context, pattern string) int64 {
	keys, err := c.kv.Keys(ctx, pattern)
	if err != nil {
		c.logger.Warn("decision cache scan failed", zap.String("pattern", pattern), zap.Error(err))
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := c.kv.Del(ctx, keys...)
	if err != nil {
		c.logger.Warn("decision cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		return 0
	}
	c.logger.Info("invalidated decisions", zap.String("pattern", pattern), zap.Int64("keys", n))
	return n
}

type CacheStats struct {
	EntitlementKeys int     `json:"entitlement_keys"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRate         float64 `json:"hit_rate"`
	Error           string  `json:"error,omitempty"`
}

func (c *DecisionCache) Stats(ctx context.Context) CacheStats {
	st := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	keys, err := c.kv.Keys(ctx, keyPrefix+"*")
	if err != nil {
		st.Error = "cache unavailable"
		return st
	}
	st.EntitlementKeys = len(keys)
	return st
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globReplacer.Replace(s) }
