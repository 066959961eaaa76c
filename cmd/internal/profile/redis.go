package profile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "huddle:presence:"

// RedisTracker keeps last-seen markers in Redis:
//   - <prefix>online: set of user ids currently online
//   - <prefix>last_seen: hash user id -> unix millis of the last transition
//
// The app owns the client unless the tracker was built by NewRedisTrackerFromURL.
type RedisTracker struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker wraps an existing client. The caller closes the client.
func NewRedisTracker(client *redis.Client, prefix string) (*RedisTracker, error) {
	if client == nil {
		return nil, errors.New("profile: nil redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisTracker{client: client, prefix: prefix}, nil
}

// NewRedisTrackerFromURL parses url, pings the server, and returns a tracker owning the client.
func NewRedisTrackerFromURL(ctx context.Context, url, prefix string) (*RedisTracker, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("profile: redis url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("profile: parse redis url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("profile: redis ping: %w", err)
	}

	t, err := NewRedisTracker(c, prefix)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

func (t *RedisTracker) onlineKey() string   { return t.prefix + "online" }
func (t *RedisTracker) lastSeenKey() string { return t.prefix + "last_seen" }

func (t *RedisTracker) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, t.onlineKey(), userID)
		p.HSet(ctx, t.lastSeenKey(), userID, strconv.FormatInt(at.UTC().UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("profile: redis mark online: %w", err)
	}
	return nil
}

func (t *RedisTracker) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, t.onlineKey(), userID)
		p.HSet(ctx, t.lastSeenKey(), userID, strconv.FormatInt(at.UTC().UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("profile: redis mark offline: %w", err)
	}
	return nil
}

// LastSeenOf reads the marker for userID. ErrNotFound when never seen.
func (t *RedisTracker) LastSeenOf(ctx context.Context, userID string) (LastSeen, error) {
	raw, err := t.client.HGet(ctx, t.lastSeenKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return LastSeen{}, ErrNotFound
	}
	if err != nil {
		return LastSeen{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return LastSeen{}, fmt.Errorf("profile: corrupt last_seen for %s: %w", userID, err)
	}
	online, err := t.client.SIsMember(ctx, t.onlineKey(), userID).Result()
	if err != nil {
		return LastSeen{}, err
	}
	return LastSeen{Online: online, At: time.UnixMilli(ms).UTC()}, nil
}

// Reset clears the online set. Called at startup: a fresh process has no live connections.
func (t *RedisTracker) Reset(ctx context.Context) error {
	return t.client.Del(ctx, t.onlineKey()).Err()
}

// Close closes the client when the tracker owns it.
func (t *RedisTracker) Close() error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}
