// Package presence tracks user online/idle/offline status using DragonflyDB
// (Redis-compatible). Statuses are stored with a TTL so they lapse when
// no longer refreshed; the package does not publish presence changes to
// the event bus.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status values a user's presence can report.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusFocus     = "focus"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Key prefixes partition the cache's keyspace by concern so TTL policy and
// eviction behavior can differ per prefix.
const (
	PrefixSession   = "session:"
	PrefixPresence  = "presence:"
	PrefixRateLimit = "ratelimit:"
	PrefixCache     = "cache:"
)

// SessionData is the record shape for PrefixSession keys: enough to
// recognize a reconnecting client without hitting the primary store.
// Cache has no method that reads or writes it.
type SessionData struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache wraps a Redis-compatible connection for presence status and
// fixed-window rate limiting. It has no accessors for the PrefixSession
// or PrefixCache key spaces.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to the cache at url (a redis:// URL) and returns a ready
// Cache. It fails fast with a PING so startup surfaces a bad connection
// string immediately rather than on the first request.
func New(url string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parsing cache url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: pinging cache: %w", err)
	}

	return &Cache{client: client, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// SetStatus records a user's presence status, expiring it after ttl so a
// crashed gateway instance doesn't leave stale presence behind forever.
func (c *Cache) SetStatus(ctx context.Context, userID, status string, ttl time.Duration) error {
	key := PrefixPresence + userID
	if err := c.client.Set(ctx, key, status, ttl).Err(); err != nil {
		return fmt.Errorf("presence: set status %s: %w", userID, err)
	}
	return nil
}

// Status returns a user's cached presence status, or StatusOffline if
// nothing is cached (the key expired or was never set).
func (c *Cache) Status(ctx context.Context, userID string) (string, error) {
	key := PrefixPresence + userID
	status, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: get status %s: %w", userID, err)
	}
	return status, nil
}

// Allow implements a fixed-window rate limit: it increments the counter
// for key, setting window as its expiry on first increment, and reports
// whether the caller is still under limit.
func (c *Cache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := PrefixRateLimit + key
	count, err := c.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("presence: rate limit incr %s: %w", key, err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, fmt.Errorf("presence: rate limit expire %s: %w", key, err)
		}
	}
	return count <= int64(limit), nil
}
