package redis

import (
	"context"
	"time"

	"github.com/dayuer/nanobot-hub/internal/dedupe"
)

// Marker is a dedupe.Marker backed by Redis keys with a TTL. Whenever Redis
// cannot answer, the local cache answers instead, so a marker keeps working
// on a single replica through an outage.
type Marker struct {
	client *Client
	prefix string
	ttl    time.Duration
	local  *dedupe.Cache
}

var _ dedupe.Marker = (*Marker)(nil)

// NewMarker creates a marker. client may be nil.
func NewMarker(client *Client, prefix string, ttl time.Duration) *Marker {
	return &Marker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		local:  dedupe.New(ttl, 0),
	}
}

// Seen reports whether key is marked.
func (m *Marker) Seen(ctx context.Context, key string) bool {
	if ok, err := m.client.CacheExists(ctx, m.prefix+key); err == nil {
		return ok || m.local.Seen(ctx, key)
	}
	return m.local.Seen(ctx, key)
}

// Mark marks key in Redis and locally.
func (m *Marker) Mark(ctx context.Context, key string) {
	m.local.Mark(ctx, key)
	m.client.CacheSet(ctx, m.prefix+key, "1", m.ttl)
}

// CheckAndMark reports whether key was already marked and marks it if not.
func (m *Marker) CheckAndMark(ctx context.Context, key string) bool {
	created, err := m.client.CacheSetNX(ctx, m.prefix+key, "1", m.ttl)
	if err != nil {
		return m.local.CheckAndMark(ctx, key)
	}
	dup := m.local.CheckAndMark(ctx, key)
	return !created || dup
}

// Forget removes key.
func (m *Marker) Forget(ctx context.Context, key string) {
	m.local.Forget(ctx, key)
	m.client.CacheDel(ctx, m.prefix+key)
}

// Close stops the local sweeper.
func (m *Marker) Close() {
	m.local.Close()
}
