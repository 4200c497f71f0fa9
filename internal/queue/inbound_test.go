package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

func TestInboundQueue_FIFO(t *testing.T) {
	q := newInboundQueue("c1", 4)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, q.Push(ctx, bus.InboundEnvelope{MessageID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"m1", "m2", "m3"} {
		env, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, env.MessageID)
	}
}

func TestInboundQueue_TryPushCapacity(t *testing.T) {
	q := newInboundQueue("c1", 1)
	require.NoError(t, q.TryPush(bus.InboundEnvelope{MessageID: "a"}))

	err := q.TryPush(bus.InboundEnvelope{MessageID: "b"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Cap())
}

func TestInboundQueue_PushBlocksUntilContextDone(t *testing.T) {
	q := newInboundQueue("c1", 1)
	require.NoError(t, q.Push(context.Background(), bus.InboundEnvelope{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, bus.InboundEnvelope{}), context.DeadlineExceeded)
}

func TestInboundQueue_CloseUnblocksPop(t *testing.T) {
	q := newInboundQueue("c1", 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock on close")
	}
}

func TestInboundQueue_ClosedRejectsPush(t *testing.T) {
	q := newInboundQueue("c1", 2)
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.ErrorIs(t, q.Push(context.Background(), bus.InboundEnvelope{}), ErrQueueClosed)
	assert.ErrorIs(t, q.TryPush(bus.InboundEnvelope{}), ErrQueueClosed)
}
