// Package ratelimit enforces fixed-window request quotas per tenant,
// subject and route.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

const DefaultWindow = time.Minute

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole seconds until the window resets, at least one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int((d.ResetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// Key joins the quota scope as <tenant>:<subject>:<route>.
func Key(tenantID, subject, route string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	if subject == "" {
		subject = "anonymous"
	}
	return tenantID + ":" + subject + ":" + strings.TrimSpace(route)
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

// Len reports the number of live windows.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(l.now().UTC())
	return len(l.items)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
