package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logical prefixes. Catalog prefixes are keyed by user and tenant; served
// prefixes by tenant and instrument.
const (
	PrefixInstruments         = "instruments"
	PrefixCurves              = "curves"
	PrefixProducts            = "products"
	PrefixPricing             = "pricing"
	PrefixHistorical          = "historical"
	PrefixUserContext         = "user_context"
	PrefixServedLatestPrice   = "served_latest_price"
	PrefixServedCurveSnapshot = "served_curve_snapshot"
	PrefixServedCustom        = "served_custom"
)

const (
	DefaultLatestPriceTTL   = 60 * time.Second
	DefaultCurveSnapshotTTL = 600 * time.Second
	DefaultCustomTTL        = 900 * time.Second
)

var catalogPrefixes = []string{PrefixInstruments, PrefixCurves, PrefixProducts, PrefixPricing, PrefixHistorical}

// CacheTypes lists every prefix the manager writes.
func CacheTypes() []string {
	return append(append([]string{}, catalogPrefixes...),
		PrefixUserContext, PrefixServedLatestPrice, PrefixServedCurveSnapshot, PrefixServedCustom)
}

// IsCatalogPrefix reports whether prefix names a per-user catalog list.
func IsCatalogPrefix(prefix string) bool {
	for _, p := range catalogPrefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

// Manager exposes typed accessors over an Adaptive cache.
type Manager struct {
	cache  *Adaptive
	logger *zap.Logger
}

func NewManager(c *Adaptive, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cache: c, logger: logger}
}

func (m *Manager) Adaptive() *Adaptive { return m.cache }

func (m *Manager) GetCatalog(ctx context.Context, prefix, userID, tenantID string, dst any) bool {
	return m.cache.GetJSON(ctx, prefix, dst, userID, tenantID)
}

func (m *Manager) SetCatalog(ctx context.Context, prefix, userID, tenantID string, v any) bool {
	return m.cache.SetJSON(ctx, prefix, v, 0, userID, tenantID)
}

func (m *Manager) GetUserContext(ctx context.Context, userID string) (map[string]any, bool) {
	var out map[string]any
	ok := m.cache.GetJSON(ctx, PrefixUserContext, &out, userID)
	return out, ok
}

func (m *Manager) SetUserContext(ctx context.Context, userID string, v map[string]any, ttl time.Duration) bool {
	return m.cache.SetJSON(ctx, PrefixUserContext, v, ttl, userID)
}

func (m *Manager) GetServedLatestPrice(ctx context.Context, tenantID, instrumentID string) (map[string]any, bool) {
	return m.getProjection(ctx, PrefixServedLatestPrice, tenantID, instrumentID)
}

func (m *Manager) SetServedLatestPrice(ctx context.Context, tenantID, instrumentID string, projection map[string]any, ttl time.Duration) bool {
	return m.cache.SetJSON(ctx, PrefixServedLatestPrice, projection, orDefault(ttl, DefaultLatestPriceTTL), tenantID, instrumentID)
}

func (m *Manager) GetServedCurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (map[string]any, bool) {
	return m.getProjection(ctx, PrefixServedCurveSnapshot, tenantID, instrumentID, horizon)
}

func (m *Manager) SetServedCurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string, projection map[string]any, ttl time.Duration) bool {
	return m.cache.SetJSON(ctx, PrefixServedCurveSnapshot, projection, orDefault(ttl, DefaultCurveSnapshotTTL), tenantID, instrumentID, horizon)
}

func (m *Manager) GetServedCustom(ctx context.Context, tenantID, projectionType, instrumentID string) (map[string]any, bool) {
	return m.getProjection(ctx, PrefixServedCustom, tenantID, projectionType, instrumentID)
}

func (m *Manager) SetServedCustom(ctx context.Context, tenantID, projectionType, instrumentID string, projection map[string]any, ttl time.Duration) bool {
	return m.cache.SetJSON(ctx, PrefixServedCustom, projection, orDefault(ttl, DefaultCustomTTL), tenantID, projectionType, instrumentID)
}

func (m *Manager) getProjection(ctx context.Context, prefix string, parts ...string) (map[string]any, bool) {
	var out map[string]any
	if !m.cache.GetJSON(ctx, prefix, &out, parts...) || out == nil {
		return nil, false
	}
	return out, true
}

// ClearUser drops the user's catalog lists for tenantID and the cached
// user context, returning the number of entries removed. Keys are hashed,
// so entries are addressed exactly rather than by pattern.
func (m *Manager) ClearUser(ctx context.Context, userID, tenantID string) int64 {
	keys := make([]string, 0, len(catalogPrefixes)+1)
	for _, p := range catalogPrefixes {
		keys = append(keys, Key(p, userID, tenantID))
	}
	keys = append(keys, Key(PrefixUserContext, userID))
	n := m.cache.Delete(ctx, keys...)
	m.logger.Info("cleared user cache", zap.String("user_id", userID), zap.String("tenant_id", tenantID), zap.Int64("keys", n))
	return n
}

type ManagerStats struct {
	Stats
	CacheTypes []string `json:"cache_types"`
}

func (m *Manager) Stats(ctx context.Context) ManagerStats {
	return ManagerStats{Stats: m.cache.Stats(ctx), CacheTypes: CacheTypes()}
}

func orDefault(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		return def
	}
	return ttl
}
