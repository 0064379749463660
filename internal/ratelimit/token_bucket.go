package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "mediaflow:ratelimit"

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// TokenBucket is a per-subject token bucket kept in Redis so every API
// replica shares one budget.
type TokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

// takeScript refills the bucket for the elapsed time and then tries to take
// ARGV[4] tokens. It returns {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - ts) * rate)

local allowed = 0
local wait_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", key, ttl_ms)

return {allowed, math.floor(tokens), wait_ms}
`)

func NewTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*TokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if window < time.Millisecond {
		return nil, errors.New("window must be at least 1ms")
	}

	keyPrefix = strings.TrimRight(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &TokenBucket{
		client:    client,
		capacity:  int64(capacity),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

// Take spends cost tokens from subject's bucket when enough are available.
func (b *TokenBucket) Take(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost <= 0 {
		return Decision{Allowed: true, Remaining: b.capacity}, nil
	}
	if int64(cost) > b.capacity {
		return Decision{}, fmt.Errorf("cost %d exceeds capacity %d", cost, b.capacity)
	}

	raw, err := takeScript.Run(
		ctx,
		b.client,
		[]string{b.key(subject)},
		b.capacity,
		b.refillPerMS(),
		b.now().UTC().UnixMilli(),
		cost,
		(2 * b.window).Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	return parseDecision(raw)
}

func (b *TokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return b.keyPrefix + ":" + subject
}

func (b *TokenBucket) refillPerMS() float64 {
	return float64(b.capacity) / float64(b.window.Milliseconds())
}

func parseDecision(raw any) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid token bucket response %v", raw)
	}

	var parsed [3]int64
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("parse token bucket field %d: %w", i, err)
		}
		parsed[i] = n
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
