package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageBus(t *testing.T) {
	bus := NewMessageBus(0)
	assert.NotNil(t, bus)
	assert.Equal(t, 0, bus.OutboundSize())
	assert.Equal(t, 100, cap(bus.Outbound))
}

func TestMessageBus_SubscribeAndDispatch(t *testing.T) {
	bus := NewMessageBus(10)

	var received []OutboundMessage
	var mu sync.Mutex

	bus.Subscribe("telegram", func(msg OutboundMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.DispatchOutbound(ctx)

	require.NoError(t, bus.PublishOutbound(ctx, OutboundMessage{Channel: "telegram", Content: "reply"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "reply", received[0].Content)
}

func TestMessageBus_SubscribeDoesNotReceiveOtherChannels(t *testing.T) {
	bus := NewMessageBus(10)

	var received []OutboundMessage
	var mu sync.Mutex

	bus.Subscribe("telegram", func(msg OutboundMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.DispatchOutbound(ctx)

	require.NoError(t, bus.PublishOutbound(ctx, OutboundMessage{Channel: "discord", Content: "wrong"}))
	assert.Eventually(t, func() bool { return bus.OutboundSize() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 0)
}

func TestMessageBus_PublishBlocksWhenFull(t *testing.T) {
	bus := NewMessageBus(1)
	require.NoError(t, bus.PublishOutbound(context.Background(), OutboundMessage{Channel: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bus.PublishOutbound(ctx, OutboundMessage{Channel: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, bus.OutboundSize())
}
