package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// writeQuotaScript admits a write only while the window's counter is below the
// limit, so rejected attempts never extend the budget a caller has to wait out.
// It returns {used, ttl_ms, admitted}.
var writeQuotaScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= limit then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], window)
    ttl = window
  end
  return {used, ttl, 0}
end
used = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {used, ttl, 1}
`)

const defaultQuotaPrefix = "escrow:write_quota"

// WriteQuota is a per-user budget of writes within a fixed window.
type WriteQuota struct {
	Scope  string
	Limit  int
	Window time.Duration
}

func (q WriteQuota) enabled() bool {
	return strings.TrimSpace(q.Scope) != "" && q.Limit > 0 && q.Window > 0
}

// QuotaDecision is the outcome of one write attempt against a quota.
type QuotaDecision struct {
	Allowed    bool
	Used       int
	Remaining  int
	RetryAfter time.Duration
}

func unlimited() QuotaDecision {
	return QuotaDecision{Allowed: true}
}

// RateLimiter decides whether subject may spend one write from quota.
type RateLimiter interface {
	Allow(ctx context.Context, quota WriteQuota, subject string) (QuotaDecision, error)
}

// RedisRateLimiter keeps write quotas in Redis so every replica shares them.
type RedisRateLimiter struct {
	client redis.Scripter
	prefix string
}

func NewRedisRateLimiter(client redis.Scripter, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultQuotaPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) quotaKey(quota WriteQuota, subject string) string {
	return r.prefix + ":" + strings.TrimSpace(quota.Scope) + ":" + subject
}

// Allow spends one write from the caller's quota. Disabled quotas and blank
// subjects are always allowed.
func (r *RedisRateLimiter) Allow(ctx context.Context, quota WriteQuota, subject string) (QuotaDecision, error) {
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || !quota.enabled() || subject == "" {
		return unlimited(), nil
	}

	window := quota.Window
	if window < time.Second {
		window = time.Second
	}

	reply, err := writeQuotaScript.Run(ctx, r.client, []string{r.quotaKey(quota, subject)}, window.Milliseconds(), quota.Limit).Int64Slice()
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("write quota %s: %w", quota.Scope, err)
	}
	return quotaDecisionFromReply(reply, quota.Limit, window)
}

func quotaDecisionFromReply(reply []int64, limit int, window time.Duration) (QuotaDecision, error) {
	if len(reply) != 3 {
		return QuotaDecision{}, fmt.Errorf("write quota reply has %d fields", len(reply))
	}

	used := int(reply[0])
	ttl := time.Duration(reply[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = window
	}

	decision := QuotaDecision{
		Allowed:   reply[2] == 1,
		Used:      used,
		Remaining: limit - used,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		decision.RetryAfter = ttl
	}
	return decision, nil
}
