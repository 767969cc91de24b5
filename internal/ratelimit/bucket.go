// Package ratelimit throttles repeated actions (code resends) per key using a
// token bucket held in Redis, so every API instance shares the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps Redis failures.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Config sizes the bucket: Burst tokens at most, one token added every Refill.
type Config struct {
	Prefix string
	Burst  int
	Refill time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// The bucket is a hash {tokens, ts}. ts is the refill reference in ms and only
// advances by whole refill periods, so partial progress is never lost.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now_ms
end

if now_ms > ts then
  local periods = math.floor((now_ms - ts) / refill_ms)
  if periods > 0 then
    tokens = math.min(capacity, tokens + periods)
    ts = ts + periods * refill_ms
  end
end
if tokens >= capacity then
  ts = now_ms
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = refill_ms - (now_ms - ts)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ttl_ms)
return {allowed, wait}
`)

// TokenBucket is safe for concurrent use; atomicity comes from the script.
type TokenBucket struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// NewTokenBucket returns a limiter backed by redisClient.
func NewTokenBucket(redisClient redis.UniversalClient, cfg Config) *TokenBucket {
	if cfg.Prefix == "" {
		cfg.Prefix = "smartfin:rl"
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Refill <= 0 {
		cfg.Refill = time.Minute
	}
	return &TokenBucket{redis: redisClient, config: cfg, now: time.Now}
}

// WithClock replaces the clock; used by tests.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow takes one token for key.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Result, error) {
	refillMs := b.config.Refill.Milliseconds()
	// keep the hash until a full bucket would have refilled
	ttlMs := refillMs * int64(b.config.Burst+1)
	res, err := takeScript.Run(ctx, b.redis,
		[]string{b.config.Prefix + ":" + key},
		b.config.Burst, refillMs, b.now().UnixMilli(), ttlMs,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply", ErrUnavailable)
	}
	return Result{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

// Reset drops the bucket for key.
func (b *TokenBucket) Reset(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, b.config.Prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
