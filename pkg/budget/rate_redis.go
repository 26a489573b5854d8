package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateScript runs the request and token buckets atomically and consumes
// from neither unless both admit the call.
// KEYS[1] = request bucket, KEYS[2] = token bucket
// ARGV[1] = request rate/s, ARGV[2] = request capacity
// ARGV[3] = token rate/s,   ARGV[4] = token capacity, ARGV[5] = token cost
// ARGV[6] = now (seconds, microsecond precision)
// Returns {allowed, retry_after_ms}. A rate of 0 disables that bucket.
var redisRateScript = redis.NewScript(`
local now = tonumber(ARGV[6])

local function refill(key, rate, capacity)
    local state = redis.call("HMGET", key, "tokens", "last_refill")
    local tokens = tonumber(state[1])
    local last = tonumber(state[2])
    if not tokens or not last then
        tokens = capacity
        last = now
    end
    local elapsed = now - last
    if elapsed > 0 then
        tokens = math.min(capacity, tokens + elapsed * rate)
    end
    return tokens
end

local buckets = {
    {KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2]), 1},
    {KEYS[2], tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])},
}

local levels = {}
local wait = 0
for i, b in ipairs(buckets) do
    if b[2] > 0 then
        local tokens = refill(b[1], b[2], b[3])
        levels[i] = tokens
        if tokens < b[4] then
            local w = (b[4] - tokens) / b[2]
            if w > wait then wait = w end
        end
    end
end

if wait > 0 then
    return {0, math.ceil(wait * 1000)}
end

for i, b in ipairs(buckets) do
    if b[2] > 0 then
        redis.call("HMSET", b[1], "tokens", levels[i] - b[4], "last_refill", now)
        redis.call("EXPIRE", b[1], 120)
    end
end
return {1, 0}
`)

// RedisLimiter is a RateLimiter shared across instances through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	policy RatePolicy
	prefix string
}

// RedisOptions configures NewRedisLimiter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisLimiter connects a limiter to Redis.
func NewRedisLimiter(opts RedisOptions, policy RatePolicy) *RedisLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisLimiterFromClient(client, policy, opts.Prefix)
}

// NewRedisLimiterFromClient wraps an existing client.
func NewRedisLimiterFromClient(client redis.UniversalClient, policy RatePolicy, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "dispatch:rate"
	}
	return &RedisLimiter{client: client, policy: policy, prefix: prefix}
}

// Ping checks connectivity.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, tokens int) (RateDecision, error) {
	tokenCap := r.policy.TokensPerMinute
	if tokens > tokenCap && tokenCap > 0 {
		tokens = tokenCap
	}
	now := float64(time.Now().UnixMicro()) / 1e6
	keys := []string{
		fmt.Sprintf("%s:req:%s", r.prefix, key),
		fmt.Sprintf("%s:tok:%s", r.prefix, key),
	}
	res, err := redisRateScript.Run(ctx, r.client, keys,
		float64(r.policy.RequestsPerMinute)/60, r.policy.requestBurst(),
		float64(r.policy.TokensPerMinute)/60, tokenCap, tokens,
		now,
	).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("budget: redis rate limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return RateDecision{}, fmt.Errorf("budget: unexpected rate script reply %v", res)
	}
	allowed, _ := results[0].(int64)
	retryMs, _ := results[1].(int64)
	if allowed == 1 {
		return RateDecision{Allowed: true}, nil
	}
	return RateDecision{Allowed: false, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}
