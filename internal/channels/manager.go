package channels

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/gateway"
)

// Manager manages all channel instances and routes outbound messages.
type Manager struct {
	Bus      *bus.MessageBus
	channels map[string]Channel
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// NewManager creates a channel manager.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		Bus:      msgBus,
		channels: make(map[string]Channel),
		logger:   log.With().Str("component", "channels").Logger(),
	}
}

// Register adds a channel to the manager.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// EnabledChannels returns the sorted list of registered channel names.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Webhooks returns the registered channels that receive platform callbacks
// over HTTP.
func (m *Manager) Webhooks() []gateway.WebhookHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hooks []gateway.WebhookHandler
	for _, ch := range m.channels {
		if h, ok := ch.(gateway.WebhookHandler); ok {
			hooks = append(hooks, h)
		}
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Name() < hooks[j].Name() })
	return hooks
}

// StartAll subscribes every channel to the outbound bus, runs the outbound
// dispatcher, and starts all channels. Blocks until every channel returns.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.RUnlock()

	if len(channels) == 0 {
		m.logger.Info().Msg("no channels enabled")
		return nil
	}

	for name, ch := range channels {
		m.Bus.Subscribe(name, func(msg bus.OutboundMessage) {
			if err := ch.Send(ctx, msg); err != nil {
				m.logger.Error().Err(err).Str("channel", name).Str("chat_id", msg.ChatID).Msg("send failed")
			}
		})
	}

	go m.Bus.DispatchOutbound(ctx)

	var wg sync.WaitGroup
	for name, ch := range channels {
		wg.Add(1)
		go func(n string, c Channel) {
			defer wg.Done()
			m.logger.Info().Str("channel", n).Msg("starting channel")
			if err := c.Start(ctx); err != nil {
				m.logger.Error().Err(err).Str("channel", n).Msg("channel stopped with error")
			}
		}(name, ch)
	}

	wg.Wait()
	return nil
}

// StopAll stops all channels.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			m.logger.Error().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// Stats reports channel status for /api/status.
func (m *Manager) Stats() map[string]any {
	status := m.GetStatus()
	out := make(map[string]any, len(status))
	for k, v := range status {
		out[k] = v
	}
	return out
}
