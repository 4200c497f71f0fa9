package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(context.Background(), Options{InboundCapacity: 8, BackCapacity: 8})
	t.Cleanup(r.Close)
	return r
}

type recorder struct {
	mu   sync.Mutex
	seen []bus.InboundEnvelope
}

func (rec *recorder) listen(_ context.Context, env bus.InboundEnvelope) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.seen = append(rec.seen, env)
	return nil
}

func (rec *recorder) ids() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]string, 0, len(rec.seen))
	for _, env := range rec.seen {
		out = append(out, env.MessageID)
	}
	return out
}

func TestRegistry_GetOrCreateInboundIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	r.SetListener(rec.listen)

	q1 := r.GetOrCreateInbound("c1")
	q2 := r.GetOrCreateInbound("c1")
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, r.ConsumerCount())
	assert.True(t, r.HasInbound("c1"))
}

func TestRegistry_ListenerSeesFIFO(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	r.SetListener(rec.listen)

	q := r.GetOrCreateInbound("c1")
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, q.Push(context.Background(), bus.InboundEnvelope{MessageID: id}))
	}

	assert.Eventually(t, func() bool { return len(rec.ids()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, rec.ids())
}

func TestRegistry_SetListenerAttachesExistingQueues(t *testing.T) {
	r := newTestRegistry(t)
	q := r.GetOrCreateInbound("c1")
	require.NoError(t, q.Push(context.Background(), bus.InboundEnvelope{MessageID: "early"}))
	assert.Equal(t, 0, r.ConsumerCount())

	rec := &recorder{}
	r.SetListener(rec.listen)

	assert.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.ConsumerCount())
}

func TestRegistry_RecreateAfterRemoveRespawnsConsumer(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	r.SetListener(rec.listen)

	old := r.GetOrCreateInbound("c1")
	r.RemoveInbound("c1")
	assert.False(t, r.HasInbound("c1"))
	assert.Eventually(t, func() bool { return r.ConsumerCount() == 0 }, time.Second, 5*time.Millisecond)

	fresh := r.GetOrCreateInbound("c1")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 1, r.ConsumerCount())

	require.NoError(t, fresh.Push(context.Background(), bus.InboundEnvelope{MessageID: "again"}))
	assert.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_ListenerErrorAndPanicKeepConsumer(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	r.SetListener(func(ctx context.Context, env bus.InboundEnvelope) error {
		switch env.MessageID {
		case "boom":
			panic("listener exploded")
		case "fail":
			return errors.New("pipeline down")
		}
		return rec.listen(ctx, env)
	})

	q := r.GetOrCreateInbound("c1")
	for _, id := range []string{"boom", "fail", "ok"} {
		require.NoError(t, q.Push(context.Background(), bus.InboundEnvelope{MessageID: id}))
	}

	assert.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ok"}, rec.ids())
	assert.Equal(t, 1, r.ConsumerCount())
}

func TestRegistry_InvokeRecoversPanicWithStack(t *testing.T) {
	r := newTestRegistry(t)
	err := r.invoke(func(context.Context, bus.InboundEnvelope) error {
		panic("listener exploded")
	}, bus.InboundEnvelope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener exploded")
	_, hasStack := err.(interface{ StackTrace() errors.StackTrace })
	assert.True(t, hasStack)
}

func TestRegistry_BackChannelLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	c1 := r.GetOrCreateBack("s1", "c1")
	assert.Same(t, c1, r.GetOrCreateBack("s1", "c1"))
	assert.True(t, r.HasBack("s1"))

	got, ok := r.Back("s1")
	require.True(t, ok)
	assert.Same(t, c1, got)

	r.RemoveBack("s1")
	assert.False(t, r.HasBack("s1"))
	select {
	case <-c1.Done():
	default:
		t.Fatal("removed back-channel should be closed")
	}

	c2 := r.GetOrCreateBack("s1", "c1")
	assert.NotSame(t, c1, c2)
	assert.False(t, c2.Finished())
}

func TestRegistry_RemoveAll(t *testing.T) {
	r := newTestRegistry(t)
	r.GetOrCreateInbound("c1")
	r.GetOrCreateBack("s1", "c1")
	r.GetOrCreateBack("s2", "c1")
	r.GetOrCreateBack("s3", "c2")

	r.RemoveAll("c1")

	assert.False(t, r.HasInbound("c1"))
	assert.False(t, r.HasBack("s1"))
	assert.False(t, r.HasBack("s2"))
	assert.True(t, r.HasBack("s3"))
}

func TestRegistry_CloseStopsConsumers(t *testing.T) {
	r := NewRegistry(context.Background(), Options{})
	rec := &recorder{}
	r.SetListener(rec.listen)
	r.GetOrCreateInbound("a")
	r.GetOrCreateInbound("b")
	assert.Equal(t, 2, r.ConsumerCount())

	r.Close()
	assert.Equal(t, 0, r.ConsumerCount())

	stats := r.Stats()
	assert.Equal(t, 0, stats["inboundQueues"])
	assert.Equal(t, DefaultBackCapacity, stats["backCapacity"])
}
