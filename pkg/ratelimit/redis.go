package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

const KeyPrefix = "rate_limit:"

// RedisLimiter counts in Redis so every gateway instance shares a window.
// Any Redis failure falls back to per-process counting.
type RedisLimiter struct {
	Client   redis.UniversalClient
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
	Logger   *zap.Logger
	Timeout  time.Duration
}

func NewRedis(client redis.UniversalClient, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   KeyPrefix,
		Fallback: NewInMemory(window),
		Logger:   zap.NewNop(),
		Timeout:  2 * time.Second,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		l.logger().Warn("rate limit store unavailable, counting locally", zap.Error(err))
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}

func (l *RedisLimiter) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

type Stats struct {
	TotalClients             int     `json:"total_clients"`
	TotalRequests            int64   `json:"total_requests"`
	AverageRequestsPerClient float64 `json:"average_requests_per_client"`
	Error                    string  `json:"error,omitempty"`
}

// Stats sums the live counters under the key prefix.
func (l *RedisLimiter) Stats(ctx context.Context) Stats {
	if l.Client == nil {
		return Stats{Error: "redis unavailable"}
	}
	var (
		st     Stats
		cursor uint64
	)
	for {
		keys, next, err := l.Client.Scan(ctx, cursor, l.Prefix+"*", 200).Result()
		if err != nil {
			l.logger().Warn("rate limit stats scan failed", zap.Error(err))
			return Stats{Error: "redis unavailable"}
		}
		for _, k := range keys {
			raw, err := l.Client.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			st.TotalClients++
			st.TotalRequests += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if st.TotalClients > 0 {
		st.AverageRequestsPerClient = float64(st.TotalRequests) / float64(st.TotalClients)
	}
	return st
}
