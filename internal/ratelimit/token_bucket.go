package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Bucket sizes a per-subject token bucket. A zero bucket disables limiting.
type Bucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether subject may perform one more request.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

// RedisLimiter keeps one bucket per subject in a Redis hash so every
// inspectq replica shares the same budget.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	bucket Bucket
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, prefix string, bucket Bucket, now func() time.Time) *RedisLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "inspectq"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, bucket: bucket, now: now}
}

// refillScript refills the bucket for the elapsed time, then takes one token.
//
// KEYS[1] = bucket hash
// ARGV[1] = refill rate (tokens per millisecond)
// ARGV[2] = capacity
// ARGV[3] = now (unix millis)
// ARGV[4] = ttl (millis)
//
// Returns {allowed, retry_after_ms}.
var refillScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now < ts then ts = now end

tokens = math.min(capacity, tokens + (now - ts) * rate)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) / rate)
else
  wait = 60000
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
return {allowed, wait}
`)

func (l *RedisLimiter) key(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("%s:ratelimit:ingest:%s", l.prefix, hex.EncodeToString(sum[:8]))
}

func (l *RedisLimiter) Allow(ctx context.Context, subject string) (Decision, error) {
	if l == nil || l.rdb == nil || !l.bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "unknown"
	}

	ratePerMS := float64(l.bucket.RequestsPerMinute) / 60000.0
	capacity := float64(l.bucket.BurstSize)
	res, err := refillScript.Run(ctx, l.rdb, []string{l.key(subject)},
		ratePerMS, capacity, l.now().UnixMilli(), bucketTTL(l.bucket).Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("rate limit: unexpected response %T", res)
	}
	allowed, _ := vals[0].(int64)
	waitMS, _ := vals[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	wait := time.Duration(waitMS) * time.Millisecond
	if wait < time.Second {
		wait = time.Second
	}
	return Decision{Allowed: false, RetryAfter: wait}, nil
}

// bucketTTL keeps idle buckets for two full refills, clamped to [30s, 1h].
func bucketTTL(b Bucket) time.Duration {
	const (
		minTTL = 30 * time.Second
		maxTTL = time.Hour
	)
	if !b.Enabled() {
		return 2 * time.Minute
	}
	fill := float64(b.BurstSize) / (float64(b.RequestsPerMinute) / 60.0)
	ttl := time.Duration(math.Ceil(fill*2))*time.Second + 5*time.Second
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
