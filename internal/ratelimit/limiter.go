// Package ratelimit throttles shake signals per user with a fixed window
// counter kept in Redis.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a fixed window policy: at most Limit requests per Window for each
// identifier, counted under Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// ShakeKey is the key prefix for shake signal counters.
const ShakeKey = "rl:shake:"

// RuleShake allows 10 shake signals per minute per user.
var RuleShake = Rule{Key: ShakeKey, Limit: 10, Window: 1 * time.Minute}

// NewShakeRule returns the shake rule with a configured limit and window.
func NewShakeRule(limit int, window time.Duration) Rule {
	return Rule{Key: ShakeKey, Limit: limit, Window: window}
}

// windowScript increments the counter and starts the window on the first hit
// in one round trip, so a counter can never be left without a TTL.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier and reports whether it is still
// within rule. Redis errors fail open: the request is allowed and the error
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := windowScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		log.Printf("[ratelimit] window script key=%s: %v (failing open)", key, err)
		return true, err
	}
	return count <= int64(rule.Limit), nil
}

// RetryAfter returns how long until identifier's current window ends, 0
// when it has no window open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	// PTTL reports -2 for a missing key and -1 for one without expiry.
	return max(ttl, 0), nil
}
