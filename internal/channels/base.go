// Package channels holds the chat platform adapters. Persistent-connection
// platforms (Telegram) run their own receive loop; webhook platforms
// (Feishu, WeChat) are mounted on the hub's HTTP server.
package channels

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

// Channel is the interface that all chat platform integrations implement.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "wechat").
	Name() string

	// Start connects to the platform and begins listening. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop() error

	// Send delivers an outbound message through the platform's push API.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is active.
	IsRunning() bool
}

// Relayer hands an inbound envelope to the pipeline and pushes the answer
// back through the outbound bus.
type Relayer interface {
	Relay(ctx context.Context, env bus.InboundEnvelope) error
}

// BaseChannel provides shared logic for all channel implementations.
type BaseChannel struct {
	ChannelName string
	Relay       Relayer
	AllowFrom   []string

	running atomic.Bool
}

// IsRunning reports whether the channel is started.
func (b *BaseChannel) IsRunning() bool { return b.running.Load() }

func (b *BaseChannel) setRunning(v bool) { b.running.Store(v) }

// IsAllowed checks if a sender is permitted to interact with the bot.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range b.AllowFrom {
		if allowed == senderID {
			return true
		}
	}
	// Pipe-separated sender ids ("id|username").
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.AllowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage checks permissions and relays env. It reports whether env
// was accepted.
func (b *BaseChannel) HandleMessage(ctx context.Context, env bus.InboundEnvelope) (bool, error) {
	if !b.IsAllowed(env.SenderID) {
		return false, nil
	}
	env.Channel = b.ChannelName
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := b.Relay.Relay(ctx, env); err != nil {
		return true, err
	}
	return true, nil
}

// accessToken caches a platform API token until shortly before it expires.
type accessToken struct {
	fetch func(ctx context.Context) (token string, ttl time.Duration, err error)
	now   func() time.Time

	mu     sync.Mutex
	value  string
	expiry time.Time
}

func newAccessToken(fetch func(ctx context.Context) (string, time.Duration, error)) *accessToken {
	return &accessToken{fetch: fetch, now: time.Now}
}

// Get returns a cached token or fetches a fresh one.
func (a *accessToken) Get(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.value != "" && a.now().Before(a.expiry) {
		return a.value, nil
	}
	token, ttl, err := a.fetch(ctx)
	if err != nil {
		return "", err
	}
	// Refresh a minute early.
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	a.value = token
	a.expiry = a.now().Add(ttl)
	return token, nil
}

// Invalidate drops the cached token after the platform rejected it.
func (a *accessToken) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = ""
}
