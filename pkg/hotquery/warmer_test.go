package hotquery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/store"
)

type fakeSource struct {
	mu       sync.Mutex
	latest   map[string]map[string]any
	custom   map[string]map[string]any
	fail     map[string]bool
	calls    []string
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSource) enter(call string) {
	n := f.inflight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeSource) LatestPrice(_ context.Context, tenantID, instrumentID string) (map[string]any, error) {
	f.enter("latest:" + instrumentID)
	defer f.inflight.Add(-1)
	if f.fail[instrumentID] {
		return nil, errors.New("projection service unavailable")
	}
	return f.latest[instrumentID], nil
}

func (f *fakeSource) CurveSnapshot(_ context.Context, tenantID, instrumentID, horizon string) (map[string]any, error) {
	f.enter("curve:" + instrumentID + ":" + horizon)
	defer f.inflight.Add(-1)
	return map[string]any{"instrument_id": instrumentID, "horizon": horizon}, nil
}

func (f *fakeSource) Custom(_ context.Context, tenantID, instrumentID, projectionType string) (map[string]any, error) {
	f.enter("custom:" + projectionType + ":" + instrumentID)
	defer f.inflight.Add(-1)
	return f.custom[projectionType+":"+instrumentID], nil
}

type unwritableKV struct{ *store.MemoryCache }

func (unwritableKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("READONLY replica")
}

func newManager() *cache.Manager {
	return cache.NewManager(cache.NewAdaptive(store.NewMemoryCache(), cache.DefaultOptions()), nil)
}

func TestWarmSingleLatestPriceEntry(t *testing.T) {
	path := writeFile(t, `{"latest_price":{"entries":[{"tenant_id":"tenant-1","instrument_id":"INST001","weight":1}]}}`)
	cm := newManager()
	projection := map[string]any{"instrument_id": "INST001", "price": 75.5}
	src := &fakeSource{latest: map[string]map[string]any{"INST001": projection}}
	w := NewWarmer(NewLoader(path, nil), cm, src, WithMetrics(metrics.NewRegistry()))

	summary := w.Warm(context.Background(), "user-1", "tenant-1")
	assert.Equal(t, 1, summary.Planned[SectionLatestPrice])
	assert.Equal(t, 1, summary.Warmed[SectionLatestPrice])
	assert.Empty(t, summary.Errors)
	assert.Zero(t, summary.Misses)

	got, ok := cm.GetServedLatestPrice(context.Background(), "tenant-1", "INST001")
	require.True(t, ok)
	assert.Equal(t, projection, got)
}

func TestWarmCollectsMissesAndErrors(t *testing.T) {
	path := writeFile(t, `{
	  "latest_price": {"entries": [
	    {"tenant_id": "*", "instrument_id": "INST001", "weight": 3},
	    {"tenant_id": "*", "instrument_id": "BROKEN", "weight": 2},
	    {"tenant_id": "*", "instrument_id": "ABSENT", "weight": 1}
	  ]},
	  "curve_snapshot": {"entries": [{"tenant_id": "*", "instrument_id": "USD_CURVE", "weight": 1}]},
	  "custom": {"entries": [{"tenant_id": "*", "instrument_id": "INST001", "projection_type": "volatility", "weight": 1}]}
	}`)
	cm := newManager()
	src := &fakeSource{
		latest: map[string]map[string]any{"INST001": {"price": 1.0}},
		fail:   map[string]bool{"BROKEN": true},
	}
	summary := NewWarmer(NewLoader(path, nil), cm, src).Warm(context.Background(), "user-1", "tenant-9")

	assert.Equal(t, map[string]int{"latest_price": 3, "curve_snapshot": 1, "custom": 1}, summary.Planned)
	assert.Equal(t, map[string]int{"latest_price": 1, "curve_snapshot": 1, "custom": 0}, summary.Warmed)
	assert.Equal(t, 2, summary.Misses)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "BROKEN")

	_, ok := cm.GetServedCurveSnapshot(context.Background(), "tenant-9", "USD_CURVE", "unknown")
	assert.True(t, ok, "curve entries without horizon warm under 'unknown'")
}

func TestWarmCountsOnlyWrittenProjections(t *testing.T) {
	path := writeFile(t, `{"latest_price":{"entries":[
	  {"tenant_id":"*","instrument_id":"INST001","weight":2},
	  {"tenant_id":"*","instrument_id":"EMPTY","weight":1}
	]}}`)
	src := &fakeSource{latest: map[string]map[string]any{
		"INST001": {"price": 1.0},
		"EMPTY":   {},
	}}

	summary := NewWarmer(NewLoader(path, nil), newManager(), src).Warm(context.Background(), "user-1", "tenant-1")
	assert.Equal(t, 1, summary.Warmed[SectionLatestPrice])
	assert.Equal(t, 1, summary.Misses, "an empty projection is a miss")

	cm := cache.NewManager(cache.NewAdaptive(unwritableKV{store.NewMemoryCache()}, cache.DefaultOptions()), nil)
	summary = NewWarmer(NewLoader(path, nil), cm, src).Warm(context.Background(), "user-1", "tenant-1")
	assert.Equal(t, 0, summary.Warmed[SectionLatestPrice])
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "served cache write failed")
}

func TestWarmCountsCustomEntriesUnderCustom(t *testing.T) {
	path := writeFile(t, `{"custom":{"entries":[
	  {"tenant_id":"*","instrument_id":"INST001","projection_type":"latest_price","weight":1}
	]}}`)
	cm := newManager()
	src := &fakeSource{custom: map[string]map[string]any{"latest_price:INST001": {"price": 2.0}}}

	summary := NewWarmer(NewLoader(path, nil), cm, src).Warm(context.Background(), "user-1", "tenant-1")
	assert.Equal(t, 1, summary.Planned[SectionCustom])
	assert.Equal(t, 1, summary.Warmed[SectionCustom])
	assert.Equal(t, 0, summary.Warmed[SectionLatestPrice])
	assert.Equal(t, []string{"custom:latest_price:INST001"}, src.calls)

	_, ok := cm.GetServedCustom(context.Background(), "tenant-1", "latest_price", "INST001")
	assert.True(t, ok)
}

func TestWarmBoundsConcurrency(t *testing.T) {
	body := `{"latest_price":{"entries":[`
	for i := 0; i < 12; i++ {
		if i > 0 {
			body += ","
		}
		body += `{"tenant_id":"*","instrument_id":"I` + string(rune('A'+i)) + `","weight":1}`
	}
	body += `]}}`
	src := &fakeSource{latest: map[string]map[string]any{}, delay: 10 * time.Millisecond}
	w := NewWarmer(NewLoader(writeFile(t, body), nil), newManager(), src, WithConcurrency(3))

	summary := w.Warm(context.Background(), "u", "t")
	assert.Equal(t, 12, summary.Planned[SectionLatestPrice])
	assert.Equal(t, 12, summary.Misses)
	assert.LessOrEqual(t, src.peak.Load(), int32(3))
	assert.Len(t, src.calls, 12)
}

func TestWarmWithoutSourceIsNoop(t *testing.T) {
	path := writeFile(t, sampleFile)
	summary := NewWarmer(NewLoader(path, nil), newManager(), nil).Warm(context.Background(), "u", "tenant-1")
	assert.Equal(t, 0, summary.Planned[SectionLatestPrice])
	assert.Equal(t, 0, summary.Warmed[SectionCustom])
	assert.NotNil(t, summary.Errors)
}

func TestWarmCancelledContextReportsErrors(t *testing.T) {
	path := writeFile(t, sampleFile)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{latest: map[string]map[string]any{}}
	summary := NewWarmer(NewLoader(path, nil), newManager(), src, WithConcurrency(1)).Warm(ctx, "u", "tenant-1")
	total := 0
	for _, n := range summary.Planned {
		total += n
	}
	assert.Equal(t, total, len(summary.Errors)+summary.Misses+summary.Warmed[SectionLatestPrice]+summary.Warmed[SectionCurveSnapshot]+summary.Warmed[SectionCustom])
	assert.NotEmpty(t, summary.Errors)
}

func TestProjectionAge(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	age, ok := projectionAge(map[string]any{"last_updated": "2025-01-01T11:59:00Z"}, now)
	require.True(t, ok)
	assert.Equal(t, time.Minute, age)

	age, ok = projectionAge(map[string]any{"data": map[string]any{"timestamp": "2025-01-01T11:00:00"}}, now)
	require.True(t, ok)
	assert.Equal(t, time.Hour, age)

	age, ok = projectionAge(map[string]any{"metadata": map[string]any{"snapshot_at": "2025-01-01T12:05:00+00:00"}}, now)
	require.True(t, ok)
	assert.Zero(t, age, "future timestamps clamp to zero")

	_, ok = projectionAge(map[string]any{"last_updated": "yesterday"}, now)
	assert.False(t, ok)
	_, ok = projectionAge(map[string]any{}, now)
	assert.False(t, ok)
}
