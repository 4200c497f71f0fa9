// Package redis wraps the shared Redis connection used for reply-state
// markers and finished-stream answers.
//
// Graceful fallback: if Redis is unavailable, callers fall back to
// in-process state instead of blocking the request path.
package redis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Key prefixes.
const (
	KeyDelivered = "hub:delivered:" // sync reply already delivered for sender+msg
	KeyStream    = "hub:stream:"    // finished stream answer
	KeyJobLock   = "hub:joblock:"   // one cron fire per job per tick across replicas
)

// ErrNotConfigured is returned by Connect when no URL is set.
var ErrNotConfigured = errors.New("redis url not configured")

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Client is a Redis connection whose operations degrade to zero values when
// the server goes away. A nil *Client is valid and always unavailable.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	available bool
}

// Connect dials and pings Redis.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	c := NewFromClient(rdb)
	c.logger.Info().Str("addr", opts.Addr).Msg("connected")
	return c, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:       rdb,
		logger:    log.With().Str("component", "redis").Logger(),
		available: rdb != nil,
	}
}

// Raw returns the underlying client, or nil.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// IsAvailable reports whether the last operation reached Redis.
func (c *Client) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available && c.rdb != nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	c.setAvailable(false)
	c.logger.Info().Msg("connection closed")
	return c.rdb.Close()
}

func (c *Client) setAvailable(ok bool) {
	c.mu.Lock()
	if c.available != ok {
		if ok {
			c.logger.Info().Msg("reachable again")
		} else {
			c.logger.Warn().Msg("unreachable, using local fallback")
		}
	}
	c.available = ok
	c.mu.Unlock()
}

// observe records reachability from an operation result. redis.Nil is a
// normal miss.
func (c *Client) observe(op, key string, err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		c.setAvailable(true)
		return
	}
	c.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("redis operation failed")
	c.setAvailable(false)
}

// --- Cache operations (with graceful fallback) ---

// CacheGet reads a string value. Returns "" if missing or unavailable.
func (c *Client) CacheGet(ctx context.Context, key string) string {
	if c == nil || c.rdb == nil {
		return ""
	}
	val, err := c.rdb.Get(ctx, key).Result()
	c.observe("get", key, err)
	if err != nil {
		return ""
	}
	return val
}

// CacheSet writes a string value with TTL. Returns false on failure.
func (c *Client) CacheSet(ctx context.Context, key, value string, ttl time.Duration) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	err := c.rdb.Set(ctx, key, value, ttl).Err()
	c.observe("set", key, err)
	return err == nil
}

// CacheSetNX writes value only if key is absent. ok is false when the key
// already existed; err is set when Redis could not answer.
func (c *Client) CacheSetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotConfigured
	}
	ok, err = c.rdb.SetNX(ctx, key, value, ttl).Result()
	c.observe("setnx", key, err)
	return ok, err
}

// CacheExists reports whether key exists. err is set when Redis could not
// answer.
func (c *Client) CacheExists(ctx context.Context, key string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotConfigured
	}
	n, err := c.rdb.Exists(ctx, key).Result()
	c.observe("exists", key, err)
	return n > 0, err
}

// CacheDel deletes a key. Returns false on failure.
func (c *Client) CacheDel(ctx context.Context, key string) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	err := c.rdb.Del(ctx, key).Err()
	c.observe("del", key, err)
	return err == nil
}

// CacheGetJSON reads a JSON value into out. Returns false if not found/error.
func (c *Client) CacheGetJSON(ctx context.Context, key string, out any) bool {
	raw := c.CacheGet(ctx, key)
	if raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache_get_json parse failed")
		return false
	}
	return true
}

// CacheSetJSON writes a JSON-serialized value with TTL.
func (c *Client) CacheSetJSON(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return c.CacheSet(ctx, key, string(data), ttl)
}

// DeliveredKey returns the key marking a sync reply as delivered.
func DeliveredKey(senderID, msgID string) string {
	return KeyDelivered + senderID + ":" + msgID
}

// StreamKey returns the key holding a finished stream's answer.
func StreamKey(streamID string) string {
	return KeyStream + streamID
}

// JobLockKey returns the per-fire lock key for a scheduled job.
func JobLockKey(jobID string, fireAt time.Time) string {
	return KeyJobLock + jobID + ":" + fireAt.UTC().Format(time.RFC3339)
}
