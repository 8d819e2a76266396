// Package cache implements the adaptive-TTL read cache and the typed
// catalog/served cache manager built on it.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/store"
)

const (
	keyNamespace = "gateway"
	maxTracked   = 100_000
)

type Options struct {
	BaseTTL time.Duration
	MinTTL  time.Duration
	MaxTTL  time.Duration
}

func DefaultOptions() Options {
	return Options{BaseTTL: 300 * time.Second, MinTTL: 60 * time.Second, MaxTTL: time.Hour}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.BaseTTL <= 0 {
		o.BaseTTL = d.BaseTTL
	}
	if o.MinTTL < time.Second {
		o.MinTTL = time.Second
	}
	if o.MaxTTL < o.MinTTL {
		o.MaxTTL = o.MinTTL
	}
	return o
}

type access struct {
	hits, misses int64
	lastUpdate   time.Time
}

// PrefixStats counts operations for one logical prefix.
type PrefixStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

type Stats struct {
	TotalKeys   int                    `json:"total_keys"`
	TrackedKeys int                    `json:"tracked_keys"`
	Pattern     string                 `json:"pattern"`
	Prefixes    map[string]PrefixStats `json:"prefixes"`
	Error       string                 `json:"error,omitempty"`
}

// Adaptive is a key-value cache whose TTLs follow each key's observed hit
// ratio. Store failures are logged and reported as misses; no method
// returns an error.
type Adaptive struct {
	kv      store.Cache
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	access   map[string]*access
	prefixes map[string]*PrefixStats
}

type Option func(*Adaptive)

func WithClock(now func() time.Time) Option {
	return func(c *Adaptive) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Adaptive) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Adaptive) { c.metrics = m }
}

func NewAdaptive(kv store.Cache, opts Options, options ...Option) *Adaptive {
	c := &Adaptive{
		kv:       kv,
		opts:     opts.normalized(),
		logger:   zap.NewNop(),
		now:      time.Now,
		access:   map[string]*access{},
		prefixes: map[string]*PrefixStats{},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Key returns the on-wire key for prefix and parts: the namespace followed
// by the hex MD5 of the colon-joined logical key.
func Key(prefix string, parts ...string) string {
	logical := prefix
	if len(parts) > 0 {
		logical += ":" + strings.Join(parts, ":")
	}
	sum := md5.Sum([]byte(logical))
	return keyNamespace + ":" + hex.EncodeToString(sum[:])
}

func (c *Adaptive) Get(ctx context.Context, prefix string, parts ...string) (string, bool) {
	key := Key(prefix, parts...)
	val, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		c.record(prefix, key, true)
		return val, true
	case store.IsMiss(err):
		c.record(prefix, key, false)
		return "", false
	default:
		c.logger.Warn("cache get failed", zap.String("prefix", prefix), zap.Error(err))
		c.countError(prefix)
		c.record(prefix, key, false)
		return "", false
	}
}

// Set stores value under an adaptive TTL.
func (c *Adaptive) Set(ctx context.Context, prefix, value string, parts ...string) bool {
	return c.SetTTL(ctx, prefix, value, 0, parts...)
}

// SetTTL stores value with ttl clamped into [MinTTL, MaxTTL]; ttl <= 0
// selects the adaptive TTL.
func (c *Adaptive) SetTTL(ctx context.Context, prefix, value string, ttl time.Duration, parts ...string) bool {
	key := Key(prefix, parts...)
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	} else {
		ttl = c.clamp(ttl)
	}
	if err := c.kv.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("cache set failed", zap.String("prefix", prefix), zap.Error(err))
		c.countError(prefix)
		return false
	}
	c.mu.Lock()
	c.prefixLocked(prefix).Sets++
	c.mu.Unlock()
	c.metrics.CacheResult(prefix, "set")
	c.logger.Debug("cached value", zap.String("prefix", prefix), zap.Duration("ttl", ttl))
	return true
}

// GetJSON decodes a cached JSON document into dst. Undecodable payloads are
// treated as misses.
func (c *Adaptive) GetJSON(ctx context.Context, prefix string, dst any, parts ...string) bool {
	raw, ok := c.Get(ctx, prefix, parts...)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.logger.Warn("cached payload is not valid JSON", zap.String("prefix", prefix), zap.Error(err))
		return false
	}
	return true
}

func (c *Adaptive) SetJSON(ctx context.Context, prefix string, v any, ttl time.Duration, parts ...string) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value not serializable", zap.String("prefix", prefix), zap.Error(err))
		c.countError(prefix)
		return false
	}
	return c.SetTTL(ctx, prefix, string(raw), ttl, parts...)
}

// Delete removes the given on-wire keys and returns how many existed.
func (c *Adaptive) Delete(ctx context.Context, keys ...string) int64 {
	n, err := c.kv.Del(ctx, keys...)
	if err != nil {
		c.logger.Warn("cache delete failed", zap.Int("keys", len(keys)), zap.Error(err))
		return 0
	}
	return n
}

// ClearPattern deletes every stored key matching the glob and returns how
// many were removed.
func (c *Adaptive) ClearPattern(ctx context.Context, pattern string) (int64, bool) {
	keys, err := c.kv.Keys(ctx, pattern)
	if err != nil {
		c.logger.Warn("cache pattern scan failed", zap.String("pattern", pattern), zap.Error(err))
		return 0, false
	}
	if len(keys) == 0 {
		return 0, true
	}
	n, err := c.kv.Del(ctx, keys...)
	if err != nil {
		c.logger.Warn("cache pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
		return n, false
	}
	c.logger.Info("cleared cache pattern", zap.String("pattern", pattern), zap.Int64("keys", n))
	return n, true
}

func (c *Adaptive) Stats(ctx context.Context) Stats {
	pattern := keyNamespace + ":*"
	out := Stats{Pattern: pattern, Prefixes: map[string]PrefixStats{}}
	c.mu.Lock()
	out.TrackedKeys = len(c.access)
	for p, s := range c.prefixes {
		out.Prefixes[p] = *s
	}
	c.mu.Unlock()
	keys, err := c.kv.Keys(ctx, pattern)
	if err != nil {
		c.logger.Warn("cache stats scan failed", zap.Error(err))
		out.Error = "cache unavailable"
		return out
	}
	out.TotalKeys = len(keys)
	return out
}

// Ping reports whether the underlying store answers.
func (c *Adaptive) Ping(ctx context.Context) error {
	return c.kv.Ping(ctx)
}

// TTLFor computes the adaptive TTL for an on-wire key. Keys never observed
// get BaseTTL.
func (c *Adaptive) TTLFor(key string) time.Duration {
	c.mu.Lock()
	a, ok := c.access[key]
	var hits, misses int64
	var last time.Time
	if ok {
		hits, misses, last = a.hits, a.misses, a.lastUpdate
	}
	c.mu.Unlock()
	if !ok || hits+misses == 0 {
		return c.clamp(c.opts.BaseTTL)
	}
	return c.adaptiveTTL(hits, misses, c.now().Sub(last))
}

func (c *Adaptive) adaptiveTTL(hits, misses int64, age time.Duration) time.Duration {
	base := float64(c.opts.BaseTTL)
	ratio := float64(hits) / float64(hits+misses)
	var ttl float64
	switch {
	case float64(misses) > 0.3*float64(hits) && age < 300*time.Second:
		ttl = 0.5 * base
	case ratio > 0.8:
		ttl = 2.0 * base
	case ratio > 0.5:
		ttl = base
	default:
		ttl = 0.7 * base
	}
	if age < 60*time.Second {
		ttl *= 1.2
	}
	return c.clamp(time.Duration(math.Round(ttl/float64(time.Second))) * time.Second)
}

func (c *Adaptive) clamp(ttl time.Duration) time.Duration {
	if ttl < c.opts.MinTTL {
		return c.opts.MinTTL
	}
	if ttl > c.opts.MaxTTL {
		return c.opts.MaxTTL
	}
	return ttl
}

func (c *Adaptive) record(prefix, key string, hit bool) {
	c.mu.Lock()
	a, ok := c.access[key]
	if !ok {
		if len(c.access) >= maxTracked {
			for k := range c.access {
				delete(c.access, k)
				break
			}
		}
		a = &access{}
		c.access[key] = a
	}
	ps := c.prefixLocked(prefix)
	if hit {
		a.hits++
		ps.Hits++
	} else {
		a.misses++
		ps.Misses++
	}
	a.lastUpdate = c.now()
	c.mu.Unlock()
	if hit {
		c.metrics.CacheResult(prefix, "hit")
	} else {
		c.metrics.CacheResult(prefix, "miss")
	}
}

func (c *Adaptive) countError(prefix string) {
	c.mu.Lock()
	c.prefixLocked(prefix).Errors++
	c.mu.Unlock()
	c.metrics.CacheResult(prefix, "error")
}

func (c *Adaptive) prefixLocked(prefix string) *PrefixStats {
	ps, ok := c.prefixes[prefix]
	if !ok {
		ps = &PrefixStats{}
		c.prefixes[prefix] = ps
	}
	return ps
}
