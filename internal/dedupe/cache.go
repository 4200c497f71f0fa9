// Package dedupe keeps short-lived "already handled" markers for webhook
// replays and finished streams.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Marker records keys that have been handled. Implementations are safe for
// concurrent use. ctx bounds remote lookups; the in-process cache ignores it.
type Marker interface {
	Seen(ctx context.Context, key string) bool
	Mark(ctx context.Context, key string)
	CheckAndMark(ctx context.Context, key string) bool
	Forget(ctx context.Context, key string)
}

type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache is an in-process TTL marker with a size cap. The oldest key is
// evicted first when the cap is reached.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

var _ Marker = (*Cache)(nil)

// New creates a cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl < time.Minute:
		return ttl
	default:
		return time.Minute
	}
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && c.live(e)
}

// Mark records key, refreshing its timestamp if already present.
func (c *Cache) Mark(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// CheckAndMark reports whether key was already seen and marks it if not.
func (c *Cache) CheckAndMark(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok && c.live(e) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget removes key.
func (c *Cache) Forget(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.elem)
		delete(c.seen, key)
	}
}

// Len returns the number of stored keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) live(e *entry) bool {
	return c.now().Sub(e.at) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	if e, ok := c.seen[key]; ok {
		e.at = c.now()
		c.order.MoveToBack(e.elem)
		return
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &entry{at: c.now(), elem: c.order.PushBack(key)}
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Keys are ordered by last mark, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if c.live(c.seen[key]) {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}
