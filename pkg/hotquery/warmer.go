package hotquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/metrics"
)

// ProjectionSource fetches projections. A nil projection with a nil error
// means the projection does not exist.
type ProjectionSource interface {
	LatestPrice(ctx context.Context, tenantID, instrumentID string) (map[string]any, error)
	CurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (map[string]any, error)
	Custom(ctx context.Context, tenantID, instrumentID, projectionType string) (map[string]any, error)
}

const DefaultConcurrency = 5

var errCacheWrite = errors.New("served cache write failed")

type Summary struct {
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id"`
	Planned  map[string]int `json:"planned"`
	Warmed   map[string]int `json:"warmed"`
	Misses   int            `json:"misses"`
	Errors   []string       `json:"errors"`
}

func newSummary(tenantID, userID string) Summary {
	s := Summary{
		TenantID: tenantID,
		UserID:   userID,
		Planned:  map[string]int{},
		Warmed:   map[string]int{},
		Errors:   []string{},
	}
	for _, sec := range Sections {
		s.Planned[sec] = 0
		s.Warmed[sec] = 0
	}
	return s
}

type outcome struct {
	category string
	result   string
	err      string
}

type Warmer struct {
	loader      *Loader
	cache       *cache.Manager
	source      ProjectionSource
	concurrency int64
	metrics     *metrics.Registry
	logger      *zap.Logger
	now         func() time.Time
}

type WarmerOption func(*Warmer)

func WithConcurrency(n int) WarmerOption {
	return func(w *Warmer) {
		if n > 0 {
			w.concurrency = int64(n)
		}
	}
}

func WithMetrics(m *metrics.Registry) WarmerOption {
	return func(w *Warmer) { w.metrics = m }
}

func WithLogger(l *zap.Logger) WarmerOption {
	return func(w *Warmer) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithClock(now func() time.Time) WarmerOption {
	return func(w *Warmer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWarmer builds a warmer. source may be nil, in which case Warm is a
// logged no-op.
func NewWarmer(loader *Loader, cm *cache.Manager, source ProjectionSource, opts ...WarmerOption) *Warmer {
	w := &Warmer{
		loader:      loader,
		cache:       cm,
		source:      source,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Warmer) Loader() *Loader { return w.loader }

// Warm fetches every hot query visible to tenantID and writes hits into the
// served cache. At most the configured number of fetches run at once;
// per-entry failures are collected in the summary.
func (w *Warmer) Warm(ctx context.Context, userID, tenantID string) Summary {
	summary := newSummary(tenantID, userID)
	if w.source == nil {
		w.logger.Warn("cache warm requested but projection client is not configured; skipping",
			zap.String("tenant_id", tenantID), zap.String("user_id", userID))
		return summary
	}

	var plan []planned
	for _, sec := range Sections {
		entries := w.loader.Entries(sec, tenantID, 0)
		summary.Planned[sec] = len(entries)
		for _, e := range entries {
			plan = append(plan, planned{section: sec, entry: e})
		}
	}
	if len(plan) == 0 {
		w.logger.Info("no hot served queries eligible for tenant; cache warm skipped",
			zap.String("tenant_id", tenantID), zap.String("user_id", userID))
		return summary
	}

	results := make([]outcome, len(plan))
	sem := semaphore.NewWeighted(w.concurrency)
	var wg sync.WaitGroup
	for i, entry := range plan {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(plan); j++ {
				results[j] = outcome{category: plan[j].section, result: "error", err: err.Error()}
			}
			break
		}
		wg.Add(1)
		go func(i int, p planned) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = w.warmEntry(ctx, p.section, p.entry)
		}(i, entry)
	}
	wg.Wait()

	for _, o := range results {
		switch o.result {
		case "hit":
			summary.Warmed[o.category]++
		case "miss":
			summary.Misses++
		default:
			summary.Errors = append(summary.Errors, o.err)
		}
	}
	w.logger.Info("cache warm completed",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Any("warmed", summary.Warmed),
		zap.Int("misses", summary.Misses),
		zap.Int("errors", len(summary.Errors)))
	return summary
}

// planned is one entry of a warm run, tagged with the hot-query section it
// was listed under.
type planned struct {
	section string
	entry   Entry
}

// warmEntry fetches e and writes it to the served cache. An entry counts as
// warmed only when a non-empty projection was actually written.
func (w *Warmer) warmEntry(ctx context.Context, category string, e Entry) outcome {
	start := w.now()
	out := outcome{category: category, result: "miss"}
	var (
		projection map[string]any
		err        error
		write      func(ttl time.Duration) bool
		fallback   time.Duration
	)

	switch category {
	case SectionLatestPrice:
		projection, err = w.source.LatestPrice(ctx, e.TenantID, e.InstrumentID)
		fallback = cache.DefaultLatestPriceTTL
		write = func(ttl time.Duration) bool {
			return w.cache.SetServedLatestPrice(ctx, e.TenantID, e.InstrumentID, projection, ttl)
		}
	case SectionCurveSnapshot:
		horizon := e.Horizon
		if horizon == "" {
			horizon = "unknown"
		}
		projection, err = w.source.CurveSnapshot(ctx, e.TenantID, e.InstrumentID, horizon)
		fallback = cache.DefaultCurveSnapshotTTL
		write = func(ttl time.Duration) bool {
			return w.cache.SetServedCurveSnapshot(ctx, e.TenantID, e.InstrumentID, horizon, projection, ttl)
		}
	default:
		projection, err = w.source.Custom(ctx, e.TenantID, e.InstrumentID, e.ProjectionType)
		fallback = cache.DefaultCustomTTL
		write = func(ttl time.Duration) bool {
			return w.cache.SetServedCustom(ctx, e.TenantID, e.ProjectionType, e.InstrumentID, projection, ttl)
		}
	}
	if err == nil && len(projection) > 0 && !write(w.ttl(e, category, fallback)) {
		err = errCacheWrite
	}

	switch {
	case err != nil:
		out.result = "error"
		out.err = fmt.Sprintf("%s %s: %v", e.ProjectionType, e.InstrumentID, err)
		w.logger.Error("failed to warm served cache entry",
			zap.String("projection_type", e.ProjectionType),
			zap.String("instrument_id", e.InstrumentID),
			zap.String("tenant_id", e.TenantID),
			zap.Error(err))
	case len(projection) > 0:
		out.result = "hit"
		if age, ok := projectionAge(projection, w.now()); ok {
			w.metrics.ProjectionAge(category, age)
		}
	default:
		w.logger.Debug("served cache warm miss",
			zap.String("projection_type", e.ProjectionType),
			zap.String("instrument_id", e.InstrumentID))
	}
	w.metrics.WarmOutcome(category, out.result, w.now().Sub(start))
	return out
}

func (w *Warmer) ttl(e Entry, sec string, fallback time.Duration) time.Duration {
	if e.TTLSeconds > 0 {
		return time.Duration(e.TTLSeconds) * time.Second
	}
	return time.Duration(w.loader.DefaultTTL(sec, int(fallback/time.Second))) * time.Second
}

// projectionAge reads last_updated, data.timestamp or metadata.snapshot_at.
func projectionAge(p map[string]any, now time.Time) (time.Duration, bool) {
	raw, _ := p["last_updated"].(string)
	if raw == "" {
		if data, ok := p["data"].(map[string]any); ok {
			raw, _ = data["timestamp"].(string)
		}
	}
	if raw == "" {
		if meta, ok := p["metadata"].(map[string]any); ok {
			raw, _ = meta["snapshot_at"].(string)
		}
	}
	if raw == "" {
		return 0, false
	}
	ts, ok := parseTimestamp(raw)
	if !ok {
		return 0, false
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	return age, true
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999999999", raw); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}
