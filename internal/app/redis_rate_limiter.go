package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redeemAttemptScript counts attempts in one hash per lock. "total" drives the limit and
// each code gets its own field so operators can see which code was retried.
var redeemAttemptScript = redis.NewScript(`
local total = redis.call("HINCRBY", KEYS[1], "total", 1)
redis.call("HINCRBY", KEYS[1], ARGV[2], 1)
if total == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {total, ttl}
`)

// RedisRateLimiter limits redeem attempts per lock with a fixed window kept in Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "treasury:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// redeemKey places every counter of a lock in one cluster slot.
func (r *RedisRateLimiter) redeemKey(lockID string) string {
	return fmt.Sprintf("%s:%s:{%s}", r.prefix, redeemRateLimitScope, lockID)
}

// ConsumeRedeemAttempt records one attempt against the lock and returns the lock's running
// count in the current window and the seconds until the window resets.
func (r *RedisRateLimiter) ConsumeRedeemAttempt(
	ctx context.Context,
	attempt RedeemAttempt,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	lockID := strings.TrimSpace(attempt.LockID)
	code := strings.ToUpper(strings.TrimSpace(attempt.Code))
	if lockID == "" || code == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	rawResult, err := redeemAttemptScript.Run(ctx, r.client, []string{r.redeemKey(lockID)}, windowMs, code).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	total, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(total), retryAfter, nil
}
