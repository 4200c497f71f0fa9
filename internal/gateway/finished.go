package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/dayuer/nanobot-hub/internal/redis"
)

// FinishedStream is the terminal answer kept for late polls.
type FinishedStream struct {
	StreamID   string    `json:"streamId"`
	Answer     string    `json:"answer"`
	FinishedAt time.Time `json:"finishedAt"`
}

// finishedCache keeps finished streams for a short TTL. Redis is shared
// across replicas; the local map answers when Redis is absent or down.
type finishedCache struct {
	ttl   time.Duration
	redis *redis.Client
	now   func() time.Time

	mu    sync.Mutex
	local map[string]FinishedStream
}

func newFinishedCache(client *redis.Client, ttl time.Duration) *finishedCache {
	return &finishedCache{
		ttl:   ttl,
		redis: client,
		now:   time.Now,
		local: make(map[string]FinishedStream),
	}
}

func (c *finishedCache) put(ctx context.Context, fs FinishedStream) {
	c.redis.CacheSetJSON(ctx, redis.StreamKey(fs.StreamID), fs, c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	c.local[fs.StreamID] = fs
}

func (c *finishedCache) get(ctx context.Context, streamID string) (FinishedStream, bool) {
	var fs FinishedStream
	if c.redis.CacheGetJSON(ctx, redis.StreamKey(streamID), &fs) {
		return fs, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.local[streamID]
	if !ok || c.now().Sub(fs.FinishedAt) > c.ttl {
		return FinishedStream{}, false
	}
	return fs, true
}

// pruneLocked must be called with mu held.
func (c *finishedCache) pruneLocked() {
	now := c.now()
	for id, fs := range c.local {
		if now.Sub(fs.FinishedAt) > c.ttl {
			delete(c.local, id)
		}
	}
}
