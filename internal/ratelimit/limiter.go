// Package ratelimit provides Redis-backed fixed-window rate limiting with
// INCR + EXPIRE. The engine uses it to cap how many enforcement
// notifications it posts into one chat.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:notify:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// NotificationRule returns the per-chat notification rule allowing limit
// notifications per window.
func NotificationRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:notify:", Limit: limit, Window: window}
}

// ChatIdentifier formats a chat ID as a rate limit identifier.
func ChatIdentifier(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow increments the identifier's counter and reports whether it is still
// within rule. The expiry is set on the first increment so the window does
// not slide.
//
// On Redis errors Allow fails open: it returns true along with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", "key", key, "err", err)
		return true, fmt.Errorf("ratelimit: incr: %w", err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", "key", key, "err", err)
			// without a TTL the key would block the identifier forever
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests the identifier has left in the current
// window. Returns the full limit if the key does not exist yet or on Redis
// errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", "key", key, "err", err)
		return rule.Limit, fmt.Errorf("ratelimit: get: %w", err)
	}
	return max(rule.Limit-count, 0), nil
}
