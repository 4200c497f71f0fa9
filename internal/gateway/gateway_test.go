package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/queue"
)

// newTestGateway wires a gateway whose listener answers every message with
// the fragments produced by reply.
func newTestGateway(t *testing.T, reply func(env bus.InboundEnvelope) []bus.ResultFragment) *Gateway {
	t.Helper()
	nop := zerolog.Nop()
	reg := queue.NewRegistry(context.Background(), queue.Options{Logger: &nop})
	t.Cleanup(reg.Close)

	g := New(Options{
		Registry:    reg,
		Outbound:    bus.NewMessageBus(10),
		PollWait:    50 * time.Millisecond,
		AskTimeout:  time.Second,
		FinishedTTL: time.Minute,
		ChunkBytes:  16,
		Logger:      &nop,
	})
	reg.SetListener(func(ctx context.Context, env bus.InboundEnvelope) error {
		if env.StreamID == "" {
			return nil
		}
		for _, f := range reply(env) {
			if err := g.Deliver(ctx, env.StreamID, f); err != nil {
				return err
			}
		}
		return nil
	})
	return g
}

func echoReply(env bus.InboundEnvelope) []bus.ResultFragment {
	return []bus.ResultFragment{
		bus.Plain("echo: ", true),
		bus.Plain(env.Content, true),
		bus.Complete(""),
	}
}

func pollUntilFinished(t *testing.T, g *Gateway, streamID string) (PollResult, []bus.ResultFragment) {
	t.Helper()
	var all []bus.ResultFragment
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := g.Poll(context.Background(), streamID, 20*time.Millisecond)
		require.NoError(t, err)
		all = append(all, res.Fragments...)
		if res.Finished {
			return res, all
		}
	}
	t.Fatalf("stream %s did not finish", streamID)
	return PollResult{}, nil
}

func TestSubmit_StampsTimestamp(t *testing.T) {
	nop := zerolog.Nop()
	reg := queue.NewRegistry(context.Background(), queue.Options{Logger: &nop})
	defer reg.Close()
	g := New(Options{Registry: reg, Logger: &nop})

	require.NoError(t, g.Submit(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "hi"}))

	q := reg.GetOrCreateInbound("web:c1")
	env, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Content)
	assert.False(t, env.Timestamp.IsZero())
}

func TestOpenStream_PollInOrder(t *testing.T) {
	g := newTestGateway(t, echoReply)

	id, err := g.OpenStream(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, frags := pollUntilFinished(t, g, id)
	require.Len(t, frags, 3)
	assert.Equal(t, "echo: ", frags[0].Data)
	assert.Equal(t, "hello", frags[1].Data)
	assert.Equal(t, bus.FragmentComplete, frags[2].Type)
	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, "echo: hello", res.Answer)
	assert.False(t, g.Registry().HasBack(id))
}

func TestPoll_LateAfterFinish(t *testing.T) {
	g := newTestGateway(t, echoReply)
	id, err := g.OpenStream(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "x"})
	require.NoError(t, err)
	pollUntilFinished(t, g, id)

	res, err := g.Poll(context.Background(), id, 0)
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, "echo: x", res.Answer)
	assert.Empty(t, res.Fragments)
}

func TestPoll_UnknownStream(t *testing.T) {
	g := newTestGateway(t, echoReply)
	_, err := g.Poll(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestPoll_TimesOutEmpty(t *testing.T) {
	g := newTestGateway(t, func(bus.InboundEnvelope) []bus.ResultFragment { return nil })
	id, err := g.OpenStream(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "x"})
	require.NoError(t, err)

	res, err := g.Poll(context.Background(), id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, res.Fragments)
	assert.False(t, res.Finished)
	assert.Equal(t, StatusStreaming, res.Status)
}

func TestDeliver_UnknownStreamAndInvalidFragment(t *testing.T) {
	g := newTestGateway(t, echoReply)
	assert.ErrorIs(t, g.Deliver(context.Background(), "missing", bus.Plain("a", false)), ErrUnknownStream)

	g.Registry().GetOrCreateBack("s1", "web:c1")
	err := g.Deliver(context.Background(), "s1", bus.ResultFragment{Type: "bogus"})
	assert.Error(t, err)
}

func TestDeliver_AfterTerminalRejected(t *testing.T) {
	g := newTestGateway(t, echoReply)
	g.Registry().GetOrCreateBack("s1", "web:c1")
	require.NoError(t, g.Deliver(context.Background(), "s1", bus.End()))
	assert.ErrorIs(t, g.Deliver(context.Background(), "s1", bus.Plain("late", false)), queue.ErrStreamFinished)
}

func TestAsk_SplitsAnswer(t *testing.T) {
	g := newTestGateway(t, func(bus.InboundEnvelope) []bus.ResultFragment {
		return []bus.ResultFragment{
			bus.Plain("first part here", false),
			bus.Break(),
			bus.Plain("second", true),
			bus.End(),
		}
	})

	chunks, err := g.Ask(context.Background(), bus.InboundEnvelope{Channel: "wechat", ChatID: "u1", SenderID: "u1", Content: "q"})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first part here", strings.TrimSpace(chunks[0]))
	assert.Equal(t, "second", strings.TrimSpace(chunks[1]))
}

func TestAsk_TimesOut(t *testing.T) {
	nop := zerolog.Nop()
	reg := queue.NewRegistry(context.Background(), queue.Options{Logger: &nop})
	defer reg.Close()
	g := New(Options{Registry: reg, AskTimeout: 20 * time.Millisecond, Logger: &nop})
	reg.SetListener(func(context.Context, bus.InboundEnvelope) error { return nil })

	_, err := g.Ask(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c1", Content: "x"})
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Stats()["backChannels"])
}

func TestRelay_PublishesChunks(t *testing.T) {
	g := newTestGateway(t, echoReply)

	var mu sync.Mutex
	var got []bus.OutboundMessage
	g.outbound.Subscribe("telegram", func(m bus.OutboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.outbound.DispatchOutbound(ctx)

	require.NoError(t, g.Relay(ctx, bus.InboundEnvelope{Channel: "telegram", ChatID: "42", MessageID: "7", Content: "yo"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "echo: yo", got[0].Content)
	assert.Equal(t, "42", got[0].ChatID)
	assert.Equal(t, "7", got[0].ReplyTo)
}

func TestRelay_SubmitFailureIsReturned(t *testing.T) {
	nop := zerolog.Nop()
	reg := queue.NewRegistry(context.Background(), queue.Options{InboundCapacity: 1, Logger: &nop})
	t.Cleanup(reg.Close)
	g := New(Options{Registry: reg, Outbound: bus.NewMessageBus(10), AskTimeout: time.Second, Logger: &nop})

	env := bus.InboundEnvelope{Channel: "telegram", ChatID: "42", Content: "first"}
	require.NoError(t, g.Submit(context.Background(), env))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Relay(ctx, bus.InboundEnvelope{Channel: "telegram", ChatID: "42", Content: "second"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.Stats()["backChannels"])
	assert.Equal(t, int64(1), g.Stats()["failedAsks"])
}

func TestPoll_ConcurrentPollersShareStream(t *testing.T) {
	g := newTestGateway(t, func(bus.InboundEnvelope) []bus.ResultFragment { return nil })
	g.Registry().GetOrCreateBack("s1", "web:c1")

	const pollers, frags = 4, 2000
	var wg sync.WaitGroup
	answers := make(chan string, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := g.Poll(context.Background(), "s1", 5*time.Millisecond)
				if err != nil {
					return
				}
				if res.Finished {
					answers <- res.Answer
					return
				}
			}
		}()
	}

	ctx := context.Background()
	for i := 0; i < frags; i++ {
		require.NoError(t, g.Deliver(ctx, "s1", bus.Plain("x", true)))
	}
	require.NoError(t, g.Deliver(ctx, "s1", bus.Complete("")))
	wg.Wait()
	close(answers)

	var finished int
	for a := range answers {
		finished++
		assert.LessOrEqual(t, len(a), frags)
	}
	assert.Equal(t, pollers, finished)
	assert.Equal(t, 0, g.Stats()["pollingStreams"])
}

func TestPoll_DropsAccumulatorOfTornDownStream(t *testing.T) {
	g := newTestGateway(t, func(bus.InboundEnvelope) []bus.ResultFragment { return nil })
	ctx := context.Background()

	id, err := g.OpenStream(ctx, bus.InboundEnvelope{Channel: "web", ChatID: "c2", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, g.Deliver(ctx, id, bus.Plain("part", true)))
	_, err = g.Poll(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Stats()["pollingStreams"])

	g.CloseConversation("web:c2")
	assert.Equal(t, 0, g.Stats()["pollingStreams"])

	g.Registry().GetOrCreateBack("s2", "web:c3")
	require.NoError(t, g.Deliver(ctx, "s2", bus.Plain("part", true)))
	_, err = g.Poll(ctx, "s2", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Stats()["pollingStreams"])
	g.Registry().RemoveBack("s2")
	_, err = g.Poll(ctx, "s2", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownStream)
	assert.Equal(t, 0, g.Stats()["pollingStreams"])
}

func TestResolve(t *testing.T) {
	g := newTestGateway(t, echoReply)
	env, err := g.Resolve(context.Background(), "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "telegram", env.Channel)
	assert.Equal(t, "42", env.ChatID)
	assert.Equal(t, "telegram:42", env.ConversationKey())

	_, err = g.Resolve(context.Background(), "garbage")
	assert.Error(t, err)
}

func TestCloseConversation_DropsStreams(t *testing.T) {
	g := newTestGateway(t, func(bus.InboundEnvelope) []bus.ResultFragment { return nil })
	id, err := g.OpenStream(context.Background(), bus.InboundEnvelope{Channel: "web", ChatID: "c9", Content: "x"})
	require.NoError(t, err)
	require.True(t, g.Registry().HasBack(id))

	g.CloseConversation("web:c9")
	assert.False(t, g.Registry().HasBack(id))
	assert.False(t, g.Registry().HasInbound("web:c9"))
}

func TestTextAccumulator(t *testing.T) {
	var a textAccumulator
	a.add(bus.Plain("draft", false))
	a.add(bus.Plain("final", false))
	a.add(bus.Plain(" answer", true))
	a.add(bus.Image("https://img/x.png"))
	a.add(bus.Break())
	a.add(bus.Plain("tail", true))
	assert.Equal(t, "final answer\nhttps://img/x.png\n\n\ntail", a.text())

	a.add(bus.Complete("replaced"))
	assert.Equal(t, "replaced", a.text())

	a.add(bus.Complete(""))
	assert.Equal(t, "replaced", a.text())
}
