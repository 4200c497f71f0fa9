package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

// Listener consumes one inbound envelope. It is the pipeline's entry point.
type Listener func(ctx context.Context, env bus.InboundEnvelope) error

const (
	DefaultInboundCapacity = 64
	DefaultBackCapacity    = 512
)

// Options configures a Registry.
type Options struct {
	InboundCapacity int
	BackCapacity    int
	Logger          *zerolog.Logger
}

// consumer tracks the goroutine draining one inbound queue.
type consumer struct {
	queue *InboundQueue
	done  chan struct{}
}

func (c *consumer) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Registry owns every inbound queue and back-channel and the consumer
// goroutines attached to the inbound queues. There is at most one consumer
// per open inbound queue.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	inboundCap int
	backCap    int

	mu            sync.Mutex
	inbound       map[string]*InboundQueue
	back          map[string]*BackChannel
	streamsByConv map[string]map[string]struct{}
	consumers     map[string]*consumer
	listener      Listener
	wg            sync.WaitGroup
}

// NewRegistry creates a registry. Consumers run under ctx; cancelling it (or
// calling Close) stops them.
func NewRegistry(ctx context.Context, opts Options) *Registry {
	if opts.InboundCapacity <= 0 {
		opts.InboundCapacity = DefaultInboundCapacity
	}
	if opts.BackCapacity <= 0 {
		opts.BackCapacity = DefaultBackCapacity
	}
	logger := log.With().Str("component", "queue").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
		inboundCap:    opts.InboundCapacity,
		backCap:       opts.BackCapacity,
		inbound:       make(map[string]*InboundQueue),
		back:          make(map[string]*BackChannel),
		streamsByConv: make(map[string]map[string]struct{}),
		consumers:     make(map[string]*consumer),
	}
}

// GetOrCreateInbound returns the inbound queue for id, creating it on first
// use. When a listener is set it makes sure a live consumer is attached,
// respawning one whose goroutine has already exited.
func (r *Registry) GetOrCreateInbound(id string) *InboundQueue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.inbound[id]
	if !ok {
		q = newInboundQueue(id, r.inboundCap)
		r.inbound[id] = q
		r.logger.Debug().Str("conversation_id", id).Msg("inbound queue created")
	}
	r.ensureConsumerLocked(id, q)
	return q
}

// GetOrCreateBack returns the back-channel for streamID, creating it on
// first use. A non-empty conversationID records the stream for RemoveAll.
func (r *Registry) GetOrCreateBack(streamID, conversationID string) *BackChannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.back[streamID]; ok {
		return c
	}
	c := newBackChannel(streamID, conversationID, r.backCap)
	r.back[streamID] = c
	if conversationID != "" {
		set, ok := r.streamsByConv[conversationID]
		if !ok {
			set = make(map[string]struct{})
			r.streamsByConv[conversationID] = set
		}
		set[streamID] = struct{}{}
	}
	return c
}

// Back returns an existing back-channel.
func (r *Registry) Back(streamID string) (*BackChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.back[streamID]
	return c, ok
}

// Streams returns the ids of the back-channels open for conversationID.
func (r *Registry) Streams(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.streamsByConv[conversationID]))
	for id := range r.streamsByConv[conversationID] {
		ids = append(ids, id)
	}
	return ids
}

// HasInbound reports whether an inbound queue exists for id.
func (r *Registry) HasInbound(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inbound[id]
	return ok
}

// HasBack reports whether a back-channel exists for streamID.
func (r *Registry) HasBack(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.back[streamID]
	return ok
}

// RemoveBack drops one back-channel and signals it closed. Readers blocked
// in Next wake with ErrQueueClosed; buffered fragments stay readable by
// whoever already holds the channel.
func (r *Registry) RemoveBack(streamID string) {
	r.mu.Lock()
	c, ok := r.back[streamID]
	if ok {
		delete(r.back, streamID)
		if set, found := r.streamsByConv[c.conversationID]; found {
			delete(set, streamID)
			if len(set) == 0 {
				delete(r.streamsByConv, c.conversationID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// RemoveInbound drops one inbound queue. Its consumer exits on the close
// signal.
func (r *Registry) RemoveInbound(id string) {
	r.mu.Lock()
	q, ok := r.inbound[id]
	delete(r.inbound, id)
	r.mu.Unlock()

	if ok {
		q.Close()
	}
}

// RemoveAll drops the inbound queue of a conversation together with every
// back-channel recorded for it.
func (r *Registry) RemoveAll(conversationID string) {
	r.mu.Lock()
	var closing []*BackChannel
	for streamID := range r.streamsByConv[conversationID] {
		if c, ok := r.back[streamID]; ok {
			closing = append(closing, c)
			delete(r.back, streamID)
		}
	}
	delete(r.streamsByConv, conversationID)
	q, hasInbound := r.inbound[conversationID]
	delete(r.inbound, conversationID)
	r.mu.Unlock()

	for _, c := range closing {
		c.Close()
	}
	if hasInbound {
		q.Close()
	}
	r.logger.Debug().Str("conversation_id", conversationID).Int("streams", len(closing)).Msg("conversation queues removed")
}

// SetListener installs the single pipeline consumer and attaches a consumer
// goroutine to every open inbound queue.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
	for id, q := range r.inbound {
		r.ensureConsumerLocked(id, q)
	}
}

// ConsumerCount returns the number of live consumer goroutines.
func (r *Registry) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.consumers {
		if c.alive() {
			n++
		}
	}
	return n
}

// Stats returns a snapshot for status endpoints.
func (r *Registry) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := 0
	for _, q := range r.inbound {
		pending += q.Len()
	}
	return map[string]any{
		"inboundQueues":   len(r.inbound),
		"backChannels":    len(r.back),
		"consumers":       len(r.consumers),
		"pendingInbound":  pending,
		"inboundCapacity": r.inboundCap,
		"backCapacity":    r.backCap,
	}
}

// Close stops every consumer and closes every queue. It waits for consumers
// to return.
func (r *Registry) Close() {
	r.mu.Lock()
	r.cancel()
	for _, q := range r.inbound {
		q.Close()
	}
	for _, c := range r.back {
		c.Close()
	}
	r.inbound = make(map[string]*InboundQueue)
	r.back = make(map[string]*BackChannel)
	r.streamsByConv = make(map[string]map[string]struct{})
	r.mu.Unlock()

	r.wg.Wait()
}

// ensureConsumerLocked must be called with mu held.
func (r *Registry) ensureConsumerLocked(id string, q *InboundQueue) {
	if r.listener == nil || q.Closed() || r.ctx.Err() != nil {
		return
	}
	if c, ok := r.consumers[id]; ok && c.queue == q && c.alive() {
		return
	}
	c := &consumer{queue: q, done: make(chan struct{})}
	r.consumers[id] = c
	r.wg.Add(1)
	go r.consume(id, c, r.listener)
}

func (r *Registry) consume(id string, c *consumer, listener Listener) {
	defer r.wg.Done()
	defer func() {
		close(c.done)
		r.mu.Lock()
		if cur, ok := r.consumers[id]; ok && cur == c {
			delete(r.consumers, id)
		}
		r.mu.Unlock()
	}()

	logger := r.logger.With().Str("conversation_id", id).Logger()
	logger.Debug().Msg("consumer started")

	for {
		env, err := c.queue.Pop(r.ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("consumer stopped")
			return
		}
		if err := r.invoke(listener, env); err != nil {
			logger.Error().Err(err).
				Str("sender_id", env.SenderID).
				Str("msg_id", env.MessageID).
				Msg("listener failed, envelope not redelivered")
		}
	}
}

// invoke runs the listener and turns a panic into an error so one bad
// envelope never kills the consumer.
func (r *Registry) invoke(listener Listener, env bus.InboundEnvelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("listener panic: %v", rec)
		}
	}()
	return listener(r.ctx, env)
}
