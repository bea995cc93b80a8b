package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/hive-realtime/internal/chat"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_EnforcesLimit(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, l.Check(ctx, "u1", rule), chat.ErrRateLimited)

	ttl, err := client.TTL(ctx, "rl:test:u1").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestCheck_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	require.NoError(t, l.Check(context.Background(), "u1", RuleSend))
}
