// Package ratelimit throttles job submissions per tenant with a distributed
// token bucket kept in Redis, so every API replica shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmitLimiter admits or rejects submissions for a tenant.
type SubmitLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewSubmitLimiter constructs a limiter with the provided capacity and
// refill rate.
func NewSubmitLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SubmitLimiter {
	return &SubmitLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for the tenant if available, returning whether
// the submission may proceed and the remaining token count.
func (l *SubmitLimiter) Allow(ctx context.Context, tenantID string) (bool, float64, error) {
	key := fmt.Sprintf("submit:bucket:%s", tenantID)
	now := time.Now().UnixMilli()
	res, err := tokenScript.Run(ctx, l.client, []string{key}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run token script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected token script result: %v", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var tokenScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
