package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LastSeenPrefix is the Redis key prefix for last-seen hashes.
	LastSeenPrefix = "presence:"

	// LastSeenTTL bounds how long a disconnected user's record survives.
	LastSeenTTL = 30 * 24 * time.Hour
)

// LastSeen is the mirrored presence record of one user. It is written for
// other services to read; this process never reads it back to decide
// presence.
type LastSeen struct {
	UserID   string `redis:"user_id"`
	Status   string `redis:"status"`
	Server   string `redis:"server"` // which realtime instance wrote it
	LastSeen int64  `redis:"last_seen"`
}

// LastSeenStore mirrors presence changes into Redis.
type LastSeenStore struct {
	client     *redis.Client
	serverName string
}

// NewLastSeenStore connects to Redis and verifies the connection.
func NewLastSeenStore(redisAddr string, serverName string) (*LastSeenStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &LastSeenStore{client: client, serverName: serverName}, nil
}

// Record writes userID's status and last-seen time and refreshes the TTL.
func (s *LastSeenStore) Record(ctx context.Context, userID string, status Status, at time.Time) error {
	key := LastSeenPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, LastSeen{
		UserID:   userID,
		Status:   string(status),
		Server:   s.serverName,
		LastSeen: at.Unix(),
	})
	pipe.Expire(ctx, key, LastSeenTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *LastSeenStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *LastSeenStore) Client() *redis.Client {
	return s.client
}
