// Package ratelimiter implements the per-user, per-category token counter
// on Redis. All mutations go through a Lua script so the check-and-decrement
// is atomic per key; a naive read-modify-write would race under concurrent
// dispatches.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// RedisCounter implements domain.RateCounter over a fixed wall-clock window.
// Buckets are lazily created on first access and expire at the window
// boundary.
type RedisCounter struct {
	rdb    *redis.Client
	limits config.RateLimits
	script *redis.Script
	mu     sync.RWMutex
	now    func() time.Time
}

// NewRedisCounter constructs a RedisCounter with the given category limits.
func NewRedisCounter(rdb *redis.Client, limits config.RateLimits) *RedisCounter {
	if limits == nil {
		limits = config.RateLimits{}
	}
	return &RedisCounter{
		rdb:    rdb,
		limits: limits,
		script: redis.NewScript(luaFixedWindowScript),
		now:    time.Now,
	}
}

const luaFixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
local allowed = 0

if current + cost <= limit then
  current = redis.call("INCRBY", key, cost)
  allowed = 1
end

if redis.call("TTL", key) < 0 then
  redis.call("EXPIRE", key, ttl)
end

return { allowed, current }
`

func bucketKey(userID, category string, windowStart time.Time) string {
	return fmt.Sprintf("rate:%s:%s:%d", userID, category, windowStart.Unix())
}

// window returns the current wall-clock window start and the duration until
// it rolls over. Only daily windows are configured today; unknown periods
// fall back to daily.
func (c *RedisCounter) window(period string) (time.Time, time.Duration) {
	now := c.now().UTC()
	switch period {
	case "hour":
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour).Sub(now)
	default: // day
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.Add(24 * time.Hour).Sub(now)
	}
}

func (c *RedisCounter) limitFor(category string) (config.CategoryLimit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lim, ok := c.limits[category]
	return lim, ok
}

// CheckAndDecrement atomically consumes cost tokens from the bucket.
// Categories without a configured limit are unconstrained.
func (c *RedisCounter) CheckAndDecrement(ctx context.Context, userID, category string, cost int64) (domain.RateDecision, error) {
	lim, ok := c.limitFor(category)
	if !ok || lim.Limit <= 0 {
		return domain.RateDecision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}
	if cost <= 0 {
		cost = 1
	}
	start, resetAfter := c.window(lim.Period)
	key := bucketKey(userID, category, start)

	res, err := c.script.Run(ctx, c.rdb, []string{key}, lim.Limit, cost, int64(resetAfter.Seconds())+1).Result()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("op=rate.check: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return domain.RateDecision{}, fmt.Errorf("op=rate.check: unexpected script result %v: %w", res, domain.ErrInternal)
	}
	allowed := toInt64(vals[0]) == 1
	current := toInt64(vals[1])
	remaining := lim.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateDecision{
		Allowed:    allowed,
		Limit:      lim.Limit,
		Remaining:  remaining,
		Period:     lim.Period,
		ResetAfter: resetAfter,
	}, nil
}

// Snapshot reports every configured category's state for the user without
// consuming tokens.
func (c *RedisCounter) Snapshot(ctx context.Context, userID string) (map[string]domain.RateState, error) {
	c.mu.RLock()
	categories := make(map[string]config.CategoryLimit, len(c.limits))
	for k, v := range c.limits {
		categories[k] = v
	}
	c.mu.RUnlock()

	out := make(map[string]domain.RateState, len(categories))
	for cat, lim := range categories {
		start, resetAfter := c.window(lim.Period)
		current, err := c.rdb.Get(ctx, bucketKey(userID, cat, start)).Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("op=rate.snapshot: category=%s: %w", cat, err)
		}
		remaining := lim.Limit - current
		if remaining < 0 {
			remaining = 0
		}
		out[cat] = domain.RateState{
			Limit:             lim.Limit,
			Remaining:         remaining,
			Period:            lim.Period,
			ResetAfterSeconds: int64(resetAfter.Seconds()),
		}
	}
	return out, nil
}

// Refund returns n tokens to the bucket. Used to compensate when an enqueue
// fails after the decrement already happened.
func (c *RedisCounter) Refund(ctx context.Context, userID, category string, n int64) error {
	lim, ok := c.limitFor(category)
	if !ok || lim.Limit <= 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	start, _ := c.window(lim.Period)
	key := bucketKey(userID, category, start)
	v, err := c.rdb.DecrBy(ctx, key, n).Result()
	if err != nil {
		return fmt.Errorf("op=rate.refund: %w", err)
	}
	if v < 0 {
		// Never leave a negative counter behind.
		_ = c.rdb.Set(ctx, key, 0, redis.KeepTTL).Err()
	}
	return nil
}

// SetLimit updates or creates a category limit. Safe for concurrent use.
func (c *RedisCounter) SetLimit(category string, lim config.CategoryLimit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[category] = lim
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
