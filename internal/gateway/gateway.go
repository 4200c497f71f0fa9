// Package gateway is the single entry point platform adapters use: submit an
// inbound envelope, open and poll reply streams, or ask and wait for the
// full answer. It also serves the hub's HTTP surface.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/queue"
	"github.com/dayuer/nanobot-hub/internal/redis"
	"github.com/dayuer/nanobot-hub/internal/syncreply"
	"github.com/dayuer/nanobot-hub/internal/utils"
)

const (
	DefaultFinishedTTL = 5 * time.Minute
	DefaultPollWait    = 2 * time.Second
	DefaultAskTimeout  = 5 * time.Minute
	DefaultChunkBytes  = 2000

	answerStatsWindow = time.Minute
)

// ErrUnknownStream is returned for a stream id that is neither open nor
// recently finished.
var ErrUnknownStream = errors.New("unknown stream")

// Options configures a Gateway.
type Options struct {
	Registry    *queue.Registry
	Outbound    *bus.MessageBus
	Redis       *redis.Client
	FinishedTTL time.Duration
	PollWait    time.Duration
	AskTimeout  time.Duration
	ChunkBytes  int
	Logger      *zerolog.Logger
}

// Gateway is the MessageGatewayFacade.
type Gateway struct {
	registry *queue.Registry
	outbound *bus.MessageBus
	finished *finishedCache
	pollWait time.Duration
	askTTL   time.Duration
	chunk    int
	logger   zerolog.Logger
	answers  *answerWindow

	accMu sync.Mutex
	accs  map[string]*textAccumulator
}

// New creates a gateway.
func New(opts Options) *Gateway {
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = DefaultFinishedTTL
	}
	if opts.PollWait <= 0 {
		opts.PollWait = DefaultPollWait
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = DefaultAskTimeout
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	g := &Gateway{
		registry: opts.Registry,
		outbound: opts.Outbound,
		finished: newFinishedCache(opts.Redis, opts.FinishedTTL),
		pollWait: opts.PollWait,
		askTTL:   opts.AskTimeout,
		chunk:    opts.ChunkBytes,
		logger:   log.With().Str("component", "gateway").Logger(),
		accs:     make(map[string]*textAccumulator),
		answers:  newAnswerWindow(answerStatsWindow),
	}
	if opts.Logger != nil {
		g.logger = *opts.Logger
	}
	return g
}

// Registry returns the queue registry.
func (g *Gateway) Registry() *queue.Registry { return g.registry }

// Submit pushes env into its conversation's inbound queue, blocking while
// the queue is full.
func (g *Gateway) Submit(ctx context.Context, env bus.InboundEnvelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	q := g.registry.GetOrCreateInbound(env.ConversationKey())
	if err := q.Push(ctx, env); err != nil {
		return errors.Wrapf(err, "submit to %s", env.ConversationKey())
	}
	return nil
}

// OpenStream creates a back-channel for env's reply and submits env. The
// returned id is the stream to poll.
func (g *Gateway) OpenStream(ctx context.Context, env bus.InboundEnvelope) (string, error) {
	if env.StreamID == "" {
		env.StreamID = uuid.NewString()
	}
	g.registry.GetOrCreateBack(env.StreamID, env.ConversationKey())
	if err := g.Submit(ctx, env); err != nil {
		g.registry.RemoveBack(env.StreamID)
		return "", err
	}
	g.logger.Debug().
		Str("stream_id", env.StreamID).
		Str("conversation_id", env.ConversationKey()).
		Str("sender_id", env.SenderID).
		Msg("stream opened")
	return env.StreamID, nil
}

// Deliver pushes a pipeline fragment into its stream.
func (g *Gateway) Deliver(ctx context.Context, streamID string, f bus.ResultFragment) error {
	if !f.Valid() {
		return errors.Errorf("invalid fragment type %q", f.Type)
	}
	c, ok := g.registry.Back(streamID)
	if !ok {
		return errors.Wrapf(ErrUnknownStream, "deliver to %s", streamID)
	}
	return c.Push(ctx, f)
}

const (
	StatusStreaming = "streaming"
	StatusFinished  = "finished"
)

// PollResult is one poll's worth of a stream.
type PollResult struct {
	StreamID  string               `json:"streamId"`
	Status    string               `json:"status"`
	Fragments []bus.ResultFragment `json:"fragments"`
	Finished  bool                 `json:"finished"`
	Answer    string               `json:"answer,omitempty"`
}

// Poll returns the fragments buffered for streamID, waiting up to wait for
// the first one. After the terminal fragment the stream is torn down and
// later polls get the finished answer.
func (g *Gateway) Poll(ctx context.Context, streamID string, wait time.Duration) (PollResult, error) {
	res := PollResult{StreamID: streamID, Status: StatusStreaming, Fragments: []bus.ResultFragment{}}
	if wait <= 0 {
		wait = g.pollWait
	}

	c, ok := g.registry.Back(streamID)
	if !ok {
		g.dropAccumulator(streamID)
		fs, found := g.finished.get(ctx, streamID)
		if !found {
			return res, errors.Wrapf(ErrUnknownStream, "poll %s", streamID)
		}
		res.Status = StatusFinished
		res.Finished = true
		res.Answer = fs.Answer
		return res, nil
	}

	first, got, err := c.NextWithin(ctx, wait)
	closed := errors.Is(err, queue.ErrQueueClosed)
	if err != nil && !closed {
		return res, err
	}
	if got {
		res.Fragments = append(res.Fragments, first)
		if !first.IsTerminal() {
			res.Fragments = append(res.Fragments, c.Drain()...)
		}
	}

	n := len(res.Fragments)
	if n == 0 {
		if closed {
			g.dropAccumulator(streamID)
		}
		return res, nil
	}
	acc := g.accumulator(streamID)
	for _, f := range res.Fragments {
		acc.add(f)
	}
	if res.Fragments[n-1].IsTerminal() {
		res.Status = StatusFinished
		res.Finished = true
		res.Answer = acc.text()
		g.finish(ctx, streamID, c, res.Answer)
	} else if !g.registry.HasBack(streamID) {
		// Torn down without a terminal fragment, or finished by another
		// poller while this one was adding.
		g.dropAccumulator(streamID)
	}
	return res, nil
}

// finish records the answer for late polls and removes the back-channel.
func (g *Gateway) finish(ctx context.Context, streamID string, c *queue.BackChannel, answer string) {
	g.finished.put(ctx, FinishedStream{StreamID: streamID, Answer: answer, FinishedAt: time.Now()})
	g.registry.RemoveBack(streamID)
	g.dropAccumulator(streamID)
	g.logger.Debug().Str("stream_id", streamID).Str("conversation_id", c.ConversationID()).Msg("stream finished")
}

func (g *Gateway) accumulator(streamID string) *textAccumulator {
	g.accMu.Lock()
	defer g.accMu.Unlock()
	acc, ok := g.accs[streamID]
	if !ok {
		acc = &textAccumulator{}
		g.accs[streamID] = acc
	}
	return acc
}

func (g *Gateway) dropAccumulator(streamID string) {
	g.accMu.Lock()
	defer g.accMu.Unlock()
	delete(g.accs, streamID)
}

// Ask submits env and collects the whole answer, split into chunks of at
// most ChunkBytes. It is the task behind synchronous webhook replies.
func (g *Gateway) Ask(ctx context.Context, env bus.InboundEnvelope) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.askTTL)
	defer cancel()

	start := time.Now()
	streamID, err := g.OpenStream(ctx, env)
	if err != nil {
		g.answers.Fail()
		return nil, err
	}
	return g.collect(ctx, streamID, start)
}

// collect reads streamID to its terminal fragment and tears it down.
func (g *Gateway) collect(ctx context.Context, streamID string, start time.Time) (chunks []string, err error) {
	defer func() {
		if err != nil {
			g.answers.Fail()
			return
		}
		g.answers.Record(time.Since(start))
	}()

	c, ok := g.registry.Back(streamID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStream, "ask %s", streamID)
	}
	defer g.registry.RemoveBack(streamID)

	var acc textAccumulator
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "await stream %s", streamID)
		}
		acc.add(f)
		if f.IsTerminal() {
			break
		}
	}
	text := acc.text()
	g.finished.put(ctx, FinishedStream{StreamID: streamID, Answer: text, FinishedAt: time.Now()})
	return syncreply.SplitText(text, g.chunk), nil
}

// TaskFor returns a syncreply task asking env.
func (g *Gateway) TaskFor(env bus.InboundEnvelope) syncreply.Task {
	return func(ctx context.Context) ([]string, error) {
		return g.Ask(ctx, env)
	}
}

// Relay submits env and publishes the answer chunks to the outbound bus for
// push delivery on env's channel. The submit happens before Relay returns;
// only collecting the answer runs in the background.
func (g *Gateway) Relay(ctx context.Context, env bus.InboundEnvelope) error {
	if g.outbound == nil {
		return errors.New("no outbound bus configured")
	}
	start := time.Now()
	streamID, err := g.OpenStream(ctx, env)
	if err != nil {
		g.answers.Fail()
		return errors.Wrap(err, "relay")
	}
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.askTTL)
		defer cancel()
		logger := g.logger.With().Str("stream_id", streamID).Str("channel", env.Channel).Str("chat_id", env.ChatID).Logger()
		chunks, err := g.collect(bg, streamID, start)
		if err != nil {
			logger.Error().Err(err).Msg("relay failed")
			return
		}
		for _, chunk := range chunks {
			msg := bus.OutboundMessage{
				Channel:  env.Channel,
				ChatID:   env.ChatID,
				Content:  chunk,
				ReplyTo:  env.MessageID,
				Metadata: env.Metadata,
			}
			if err := g.outbound.PublishOutbound(bg, msg); err != nil {
				logger.Error().Err(err).Msg("publish outbound failed")
				return
			}
		}
	}()
	return nil
}

// Resolve turns an opaque "channel:chat_id" session into envelope
// addressing. It serves the scheduled trigger dispatcher.
func (g *Gateway) Resolve(_ context.Context, session string) (bus.InboundEnvelope, error) {
	channel, chatID, err := utils.ParseSessionKey(session)
	if err != nil {
		return bus.InboundEnvelope{}, err
	}
	return bus.InboundEnvelope{
		Channel:        channel,
		ChatID:         chatID,
		ConversationID: session,
	}, nil
}

// Stats reports open streams and answer times over the last minute.
func (g *Gateway) Stats() map[string]any {
	avg, peak, n, failed := g.answers.Snapshot()
	g.accMu.Lock()
	polling := len(g.accs)
	g.accMu.Unlock()
	return map[string]any{
		"pollingStreams":  polling,
		"answeredLastMin": n,
		"avgAnswerMs":     avg,
		"maxAnswerMs":     peak,
		"failedAsks":      failed,
	}
}

// CloseConversation drops a conversation's inbound queue and its streams.
func (g *Gateway) CloseConversation(conversationID string) {
	streams := g.registry.Streams(conversationID)
	g.registry.RemoveAll(conversationID)
	for _, id := range streams {
		g.dropAccumulator(id)
	}
}

// textAccumulator folds fragments into the final answer text. Pollers of
// the same stream share one.
type textAccumulator struct {
	mu sync.Mutex
	b  strings.Builder
}

func (a *textAccumulator) add(f bus.ResultFragment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch f.Type {
	case bus.FragmentPlain:
		if !f.Streaming {
			a.b.Reset()
		}
		a.b.WriteString(f.Data)
	case bus.FragmentImage:
		if a.b.Len() > 0 {
			a.b.WriteString("\n")
		}
		a.b.WriteString(f.Data)
		a.b.WriteString("\n")
	case bus.FragmentBreak:
		a.b.WriteString("\n\n")
	case bus.FragmentComplete:
		if f.Data != "" {
			a.b.Reset()
			a.b.WriteString(f.Data)
		}
	}
}

func (a *textAccumulator) text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(a.b.String())
}
