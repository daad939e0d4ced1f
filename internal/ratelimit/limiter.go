// Package ratelimit implements token-bucket rate limiting backed by Redis
// Lua scripts. Buckets refill continuously at limit/period; the script
// checks and decrements atomically, so arbitrary concurrent callers for
// the same subject never over-consume. Allow never blocks; callers
// decide whether to queue, defer, or drop.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits is the resolved numeric configuration for one subject class.
// Values come from the plan tier / API key record; the limiter only
// consumes numbers.
type Limits struct {
	PerMinute int // sustained refill rate, tokens per minute
	PerDay    int // fixed daily ceiling; 0 disables the daily check
	Burst     int // bucket capacity
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter provides atomic token-bucket rate limiting using a pre-compiled
// Redis Lua script. A plain GET → check → INCR sequence would race under
// concurrent callers; the script makes check-and-decrement one round trip.
type Limiter struct {
	redis  *redis.Client
	prefix string
	script *redis.Script
	now    func() time.Time
}

// The script returns {allowed, waitMillis}. waitMillis is -1 when the
// daily ceiling (not the bucket) caused the denial.
const tokenBucketScript = `
local bucketKey = KEYS[1]
local dayKey = KEYS[2]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local dayTTL = tonumber(ARGV[6])

if dayLimit > 0 then
    local day = tonumber(redis.call("GET", dayKey) or "0")
    if day + cost > dayLimit then
        return {0, -1}
    end
end

local b = redis.call("HMGET", bucketKey, "tokens", "ts")
local tokens = tonumber(b[1])
local ts = tonumber(b[2])
if tokens == nil or ts == nil then
    tokens = burst
    ts = now
end

tokens = math.min(burst, tokens + (now - ts) * rate)
if tokens < cost then
    local wait = math.ceil(((cost - tokens) / rate) * 1000)
    redis.call("HMSET", bucketKey, "tokens", tokens, "ts", now)
    return {0, wait}
end

tokens = tokens - cost
redis.call("HMSET", bucketKey, "tokens", tokens, "ts", now)
redis.call("EXPIRE", bucketKey, math.ceil(burst / rate) + 120)

if dayLimit > 0 then
    local newDay = redis.call("INCRBY", dayKey, cost)
    if newDay == cost then
        redis.call("EXPIRE", dayKey, dayTTL)
    end
end

return {1, 0}
`

// NewLimiter creates a limiter with a pre-compiled Lua script.
func NewLimiter(redisClient *redis.Client) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: "ratelimit",
		script: redis.NewScript(tokenBucketScript),
		now:    time.Now,
	}
}

// NewLimiterFromURL creates a limiter by connecting to Redis.
func NewLimiterFromURL(redisURL string) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewLimiter(client), nil
}

// Allow atomically consumes cost tokens from the subject's bucket if
// available. When denied, RetryAfter tells the caller how long until
// enough tokens have refilled (or until the daily window rolls over).
func (l *Limiter) Allow(ctx context.Context, subject string, limits Limits, cost int) (Decision, error) {
	if limits.PerMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	if limits.Burst <= 0 {
		limits.Burst = limits.PerMinute
	}
	if cost <= 0 {
		cost = 1
	}

	now := l.now().UTC()
	rate := float64(limits.PerMinute) / 60.0
	bucketKey := fmt.Sprintf("%s:%s:bucket", l.prefix, subject)
	dayKey := fmt.Sprintf("%s:%s:day:%s", l.prefix, subject, now.Format("2006-01-02"))

	result, err := l.script.Run(ctx, l.redis,
		[]string{bucketKey, dayKey},
		rate,
		limits.Burst,
		limits.PerDay,
		cost,
		float64(now.UnixMicro())/1e6,
		90000, // daily key TTL: 25 hours, survives the window it guards
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	waitMillis := result[1].(int64)

	if allowed {
		return Decision{Allowed: true}, nil
	}
	if waitMillis < 0 {
		// Daily ceiling: no tokens until the next UTC day.
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return Decision{RetryAfter: midnight.Sub(now)}, nil
	}
	return Decision{RetryAfter: time.Duration(waitMillis) * time.Millisecond}, nil
}

// Close closes the underlying Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
