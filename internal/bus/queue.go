package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MessageBus routes formatted outbound messages to the channel adapters that
// deliver them through a push API. Inbound traffic goes through the
// conversation queues instead.
type MessageBus struct {
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
}

// NewMessageBus creates a bus whose outbound buffer holds capacity messages.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = 100
	}
	return &MessageBus{
		Outbound:    make(chan OutboundMessage, capacity),
		subscribers: make(map[string][]func(OutboundMessage)),
	}
}

// PublishOutbound queues a message for delivery. It blocks while the buffer is
// full and gives up only when ctx is done.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback for outbound messages on a specific channel.
func (b *MessageBus) Subscribe(channel string, callback func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], callback)
}

// DispatchOutbound runs the outbound dispatch loop. Blocks until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if len(subs) == 0 {
				log.Warn().Str("component", "bus").Str("channel", msg.Channel).
					Str("chat_id", msg.ChatID).Msg("no subscriber for outbound message")
				continue
			}
			for _, cb := range subs {
				cb(msg)
			}
		}
	}
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.Outbound)
}
