// Package ratelimit provides Redis-backed fixed-window rate limiting keyed by
// user id. Each inbound action that writes shared state has its own rule.
// Redis failures fail open so an outage never blocks chat.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/metrics"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // metrics label
	Key    string        // Redis key prefix
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Per-user rules for inbound events.
var (
	RuleSend     = Rule{Name: "send", Key: "rl:send:", Limit: 10, Window: 10 * time.Second}
	RuleReaction = Rule{Name: "reaction", Key: "rl:react:", Limit: 30, Window: 10 * time.Second}
	RuleVote     = Rule{Name: "vote", Key: "rl:vote:", Limit: 20, Window: 10 * time.Second}
	RuleTyping   = Rule{Name: "typing", Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}
	RuleConnect  = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request by identifier against rule. The counter and its
// expiry are set in one pipeline, and the expiry is only set when the key
// has none, so the window starts at the first request.
//
// Returns true if the request is allowed. On Redis errors it returns true
// along with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	return int(incr.Val()) <= rule.Limit, nil
}

// Check is Allow as an error: chat.ErrRateLimited when the limit is
// exceeded, nil otherwise, including when Redis is unavailable.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) error {
	ok, _ := l.Allow(ctx, identifier, rule)
	if ok {
		return nil
	}
	metrics.RateLimited.WithLabelValues(rule.Name).Inc()
	return chat.ErrRateLimited
}
