// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The realtime server uses it to throttle new
// WebSocket connections per remote address.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 30 WebSocket connections per minute per address. A ward
// workstation behind NAT reconnects many users at shift change.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client  *redis.Client
	connect Rule
	logger  *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client. connect is
// the rule applied by AllowConnect.
func NewLimiter(client *redis.Client, connect Rule, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, connect: connect, logger: logger}
}

// AllowConnect applies the connect rule to addr.
func (l *Limiter) AllowConnect(ctx context.Context, addr string) (bool, error) {
	return l.Allow(ctx, addr, l.connect)
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit INCR failed, failing open", "key", key, "error", err)
		return true, oops.With("key", key).Wrapf(err, "ratelimit incr")
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("rate limit EXPIRE failed, failing open", "key", key, "error", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, oops.With("key", key).Wrapf(err, "ratelimit expire")
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window ends.
// It returns zero when no window is open or Redis cannot answer.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// ConnectRetryAfter is RetryAfter for the connect rule.
func (l *Limiter) ConnectRetryAfter(ctx context.Context, addr string) time.Duration {
	return l.RetryAfter(ctx, addr, l.connect)
}
