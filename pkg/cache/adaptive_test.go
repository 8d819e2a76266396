package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/access-sub001/pkg/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", errDown
}

func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errDown
}

func (brokenStore) Del(context.Context, ...string) (int64, error) {
	return 0, errDown
}

func (brokenStore) Keys(context.Context, string) ([]string, error) {
	return nil, errDown
}

func (brokenStore) Ping(context.Context) error {
	return errDown
}

func newRedisAdaptive(t *testing.T, opts Options, options ...Option) (*Adaptive, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAdaptive(store.NewRedisCache(client), opts, options...), mr
}

func TestKeyHidesLogicalKey(t *testing.T) {
	k := Key("served_latest_price", "tenant-1", "INST001")
	assert.Regexp(t, `^gateway:[0-9a-f]{32}$`, k)
	assert.NotContains(t, k, "tenant-1")
	assert.Equal(t, k, Key("served_latest_price", "tenant-1", "INST001"))
	assert.NotEqual(t, k, Key("served_latest_price", "tenant-2", "INST001"))
	assert.Equal(t, Key("a:b"), Key("a", "b"), "logical key is prefix:parts")
}

func TestGetAfterSetReturnsValue(t *testing.T) {
	c, mr := newRedisAdaptive(t, DefaultOptions())
	ctx := context.Background()

	_, ok := c.Get(ctx, "instruments", "user-1", "tenant-1")
	assert.False(t, ok)

	require.True(t, c.Set(ctx, "instruments", `[{"id":"INST001"}]`, "user-1", "tenant-1"))
	got, ok := c.Get(ctx, "instruments", "user-1", "tenant-1")
	require.True(t, ok)
	assert.Equal(t, `[{"id":"INST001"}]`, got)

	ttl := mr.TTL(Key("instruments", "user-1", "tenant-1"))
	assert.GreaterOrEqual(t, ttl, 60*time.Second)
	assert.LessOrEqual(t, ttl, time.Hour)

	mr.FastForward(59 * time.Second)
	_, ok = c.Get(ctx, "instruments", "user-1", "tenant-1")
	assert.True(t, ok, "value survives at least min_ttl")
}

func TestExplicitTTLIsClamped(t *testing.T) {
	c, mr := newRedisAdaptive(t, DefaultOptions())
	ctx := context.Background()
	require.True(t, c.SetTTL(ctx, "pricing", "x", time.Second, "k"))
	assert.Equal(t, 60*time.Second, mr.TTL(Key("pricing", "k")))
	require.True(t, c.SetTTL(ctx, "pricing", "x", 48*time.Hour, "k"))
	assert.Equal(t, time.Hour, mr.TTL(Key("pricing", "k")))
}

func TestAdaptiveTTLBranches(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewAdaptive(store.NewMemoryCache(), Options{BaseTTL: 300 * time.Second, MinTTL: 60 * time.Second, MaxTTL: 3600 * time.Second}, WithClock(clock.Now))

	assert.Equal(t, 300*time.Second, c.TTLFor("gateway:never-seen"))

	cases := []struct {
		name         string
		hits, misses int64
		age          time.Duration
		want         time.Duration
	}{
		{"recent misses halve", 2, 1, 120 * time.Second, 150 * time.Second},
		{"recent misses with fresh access", 2, 1, 10 * time.Second, 180 * time.Second},
		{"high hit ratio doubles", 9, 1, 400 * time.Second, 600 * time.Second},
		{"high hit ratio fresh", 9, 1, 30 * time.Second, 720 * time.Second},
		{"medium ratio keeps base", 6, 4, 400 * time.Second, 300 * time.Second},
		{"low ratio shortens", 1, 4, 400 * time.Second, 210 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.adaptiveTTL(tc.hits, tc.misses, tc.age))
		})
	}

	tight := NewAdaptive(store.NewMemoryCache(), Options{BaseTTL: 300 * time.Second, MinTTL: 250 * time.Second, MaxTTL: 400 * time.Second})
	assert.Equal(t, 400*time.Second, tight.adaptiveTTL(100, 0, time.Second))
	assert.Equal(t, 250*time.Second, tight.adaptiveTTL(1, 100, time.Hour))
}

func TestTTLAlwaysWithinBounds(t *testing.T) {
	c := NewAdaptive(store.NewMemoryCache(), Options{BaseTTL: 10 * time.Second, MinTTL: 5 * time.Second, MaxTTL: 15 * time.Second})
	for hits := int64(0); hits < 20; hits++ {
		for misses := int64(0); misses < 20; misses++ {
			if hits+misses == 0 {
				continue
			}
			for _, age := range []time.Duration{0, 30 * time.Second, 90 * time.Second, 10 * time.Minute} {
				ttl := c.adaptiveTTL(hits, misses, age)
				require.GreaterOrEqual(t, ttl, 5*time.Second)
				require.LessOrEqual(t, ttl, 15*time.Second)
			}
		}
	}
}

func TestAccessTrackingFeedsTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewAdaptive(store.NewMemoryCache(), DefaultOptions(), WithClock(clock.Now))
	ctx := context.Background()
	require.True(t, c.Set(ctx, "curves", "v", "u", "t"))
	for i := 0; i < 9; i++ {
		_, ok := c.Get(ctx, "curves", "u", "t")
		require.True(t, ok)
	}
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 600*time.Second, c.TTLFor(Key("curves", "u", "t")))
}

func TestStoreFailuresDegradeToMiss(t *testing.T) {
	c := NewAdaptive(brokenStore{}, DefaultOptions())
	ctx := context.Background()

	_, ok := c.Get(ctx, "pricing", "u", "t")
	assert.False(t, ok)
	assert.False(t, c.Set(ctx, "pricing", "v", "u", "t"))
	n, ok := c.ClearPattern(ctx, "gateway:*")
	assert.Zero(t, n)
	assert.False(t, ok)

	stats := c.Stats(ctx)
	assert.Equal(t, "cache unavailable", stats.Error)
	assert.Equal(t, int64(2), stats.Prefixes["pricing"].Errors)
	assert.Equal(t, int64(1), stats.Prefixes["pricing"].Misses)
}

func TestJSONRoundTripAndCorruptPayload(t *testing.T) {
	c, mr := newRedisAdaptive(t, DefaultOptions())
	ctx := context.Background()

	in := map[string]any{"price": 42.5, "instrument_id": "INST001"}
	require.True(t, c.SetJSON(ctx, "served_latest_price", in, 0, "t", "INST001"))
	var out map[string]any
	require.True(t, c.GetJSON(ctx, "served_latest_price", &out, "t", "INST001"))
	assert.Equal(t, in, out)

	require.NoError(t, mr.Set(Key("served_latest_price", "t", "BAD"), "{not json"))
	assert.False(t, c.GetJSON(ctx, "served_latest_price", &out, "t", "BAD"))

	assert.False(t, c.SetJSON(ctx, "served_latest_price", map[string]any{"ch": make(chan int)}, 0, "t", "X"))
}

func TestClearPatternAndStats(t *testing.T) {
	c, mr := newRedisAdaptive(t, DefaultOptions())
	ctx := context.Background()
	require.True(t, c.Set(ctx, "instruments", "a", "u1", "t"))
	require.True(t, c.Set(ctx, "curves", "b", "u1", "t"))
	require.NoError(t, mr.Set("other:key", "x"))

	stats := c.Stats(ctx)
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, "gateway:*", stats.Pattern)
	assert.Equal(t, int64(1), stats.Prefixes["curves"].Sets)

	n, ok := c.ClearPattern(ctx, "gateway:*")
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
	assert.True(t, mr.Exists("other:key"))
	require.NoError(t, c.Ping(ctx))
}
