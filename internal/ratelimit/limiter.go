// Package ratelimit implements the rolling, hour-aligned per-sender send
// budget. Redis is authoritative within the hour; a PostgreSQL mirror is
// kept so the counter survives Redis eviction or restart.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reachinbox/courier/internal/clock"
)

// Counter TTL is one hour plus a 60s overlap so a bucket outlives its
// own window.
const counterTTLSeconds = 3660

// Mirror is the durable copy of the hourly counters, used only to reseed
// Redis after eviction.
type Mirror interface {
	GetRateCounter(ctx context.Context, hour, sender string) (int64, error)
	UpsertRateCounter(ctx context.Context, hour, sender string, count int64) error
}

// Result reports the outcome of a budget check.
type Result struct {
	Allowed         bool
	Current         int64
	NextBucketStart time.Time
}

// Atomic conditional increment: INCR only while under the limit, setting
// the TTL on first increment. Returns {allowed, current}.
const allowLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// Limiter arbitrates the hourly budget across concurrent workers.
type Limiter struct {
	redis  *redis.Client
	mirror Mirror
	clock  clock.Clock

	allowScript *redis.Script
}

// New creates a limiter with a pre-compiled Lua script.
func New(redisClient *redis.Client, mirror Mirror, clk clock.Clock) *Limiter {
	return &Limiter{
		redis:       redisClient,
		mirror:      mirror,
		clock:       clk,
		allowScript: redis.NewScript(allowLuaScript),
	}
}

// Bucket returns the UTC hour-bucket key component for t.
func Bucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// NextBucketStart returns the UTC instant at which the next hour bucket
// opens, i.e. when deferred jobs become eligible again.
func NextBucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func key(hour, sender string) string {
	return fmt.Sprintf("rate-limit:%s:%s", hour, sender)
}

// Check reads the current hour's counter without consuming budget.
// An absent Redis key is reseeded from the mirror first.
func (l *Limiter) Check(ctx context.Context, sender string, limit int) (Result, error) {
	now := l.clock.Now()
	hour := Bucket(now)

	if err := l.ensureSeeded(ctx, hour, sender); err != nil {
		return Result{}, err
	}

	current, err := l.redis.Get(ctx, key(hour, sender)).Int64()
	if err == redis.Nil {
		current = 0
	} else if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	return Result{
		Allowed:         current < int64(limit),
		Current:         current,
		NextBucketStart: NextBucketStart(now),
	}, nil
}

// Increment unconditionally consumes one unit of budget and returns the
// new count. The first increment of a bucket sets the TTL. The mirror is
// updated asynchronously; a mirror failure is logged, never surfaced.
func (l *Limiter) Increment(ctx context.Context, sender string) (int64, error) {
	now := l.clock.Now()
	hour := Bucket(now)
	k := key(hour, sender)

	newCount, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit increment: %w", err)
	}
	if newCount == 1 {
		l.redis.Expire(ctx, k, counterTTLSeconds*time.Second)
	}

	go l.mirrorCount(hour, sender, newCount)
	return newCount, nil
}

// Allow is the strict, single-round-trip form used by workers: it
// atomically checks and increments, so the budget can never overshoot.
// On denial the result carries the instant the next bucket opens.
func (l *Limiter) Allow(ctx context.Context, sender string, limit int) (Result, error) {
	now := l.clock.Now()
	hour := Bucket(now)

	if err := l.ensureSeeded(ctx, hour, sender); err != nil {
		return Result{}, err
	}

	vals, err := l.allowScript.Run(ctx, l.redis,
		[]string{key(hour, sender)}, limit, counterTTLSeconds).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit allow: %w", err)
	}

	allowed := vals[0].(int64) == 1
	current := vals[1].(int64)

	if allowed {
		go l.mirrorCount(hour, sender, current)
	}

	return Result{
		Allowed:         allowed,
		Current:         current,
		NextBucketStart: NextBucketStart(now),
	}, nil
}

// ensureSeeded restores an evicted Redis counter from the durable mirror.
// Seeding uses SETNX so a concurrent increment is never clobbered.
func (l *Limiter) ensureSeeded(ctx context.Context, hour, sender string) error {
	k := key(hour, sender)

	exists, err := l.redis.Exists(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("rate limit exists: %w", err)
	}
	if exists > 0 {
		return nil
	}

	seed, err := l.mirror.GetRateCounter(ctx, hour, sender)
	if err != nil {
		log.Printf("[RateLimiter] Mirror read failed for %s/%s: %v", hour, sender, err)
		return nil
	}
	if seed <= 0 {
		return nil
	}

	l.redis.SetNX(ctx, k, seed, counterTTLSeconds*time.Second)
	return nil
}

func (l *Limiter) mirrorCount(hour, sender string, count int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.mirror.UpsertRateCounter(ctx, hour, sender, count); err != nil {
		log.Printf("[RateLimiter] Mirror upsert failed for %s/%s: %v", hour, sender, err)
	}
}
