// Package ratelimit provides Redis-backed rate limiting using the
// INCR + EXPIRE window algorithm, used to throttle message sends per
// user and WebSocket connects per address.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum
// number of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:send:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 10 message sends per 10 seconds per username.
	RuleSend = Rule{Key: "rl:send:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket connections per minute per remote
	// address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether identifier is within the rate limit defined by
// rule. It increments the counter in Redis, setting the expiry on first
// access to bound the window.
//
// Returns true if the request is allowed, false if rate limited. On
// Redis errors the method fails open so a Redis outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The counter has no TTL and would block the identifier
			// forever; best effort delete.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns the number of seconds until the identifier's
// current window expires, for inclusion in rate_limited responses.
// Returns 0 when the key has no TTL or on Redis errors.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	key := rule.Key + identifier

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("[ratelimit] redis TTL error key=%s: %v", key, err)
		return 0
	}
	if ttl <= 0 {
		return 0
	}
	return int(ttl.Seconds())
}
