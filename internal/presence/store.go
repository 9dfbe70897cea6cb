// Package presence records live connection state in Redis: which gateway
// instance a connection landed on, the user it is bound to, and when it was
// last active. Entries carry a TTL so crashed instances leak nothing.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all connection hashes.
	KeyPrefix = "conn:"

	// TTL is the time-to-live for connection keys; heartbeats refresh it.
	TTL = 1 * time.Hour
)

// Session is one live connection's record.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages connection presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create records a newly authenticated connection.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := KeyPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           connID,
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, KeyPrefix+connID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch refreshes the last-active timestamp and TTL. Called on heartbeats.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, KeyPrefix+connID).Err()
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
