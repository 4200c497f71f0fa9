// Package syncreply turns a slow background task into replies for platforms
// that only accept a synchronous webhook response with a short deadline.
//
// Each sender has at most one pending state. The first delivery of a message
// starts the task and waits up to the budget; platform retries of the same
// message id re-wait or drain one cached chunk per response; a different
// message id while a state exists (a nudge) only gets a placeholder for the
// stored message. The wait never cancels the task.
//
// Duplicate detection trusts the platform's message id to be stable across
// retries.
package syncreply

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
	"github.com/dayuer/nanobot-hub/internal/dedupe"
	"github.com/dayuer/nanobot-hub/internal/utils"
)

const (
	DefaultBudget       = 4 * time.Second
	DefaultDeadline     = 5 * time.Second
	DefaultStateTTL     = 10 * time.Minute
	DefaultDeliveredTTL = 10 * time.Minute

	// MoreSuffix is appended to a chunk while more chunks remain cached.
	MoreSuffix = "\n【more buffered, send anything to continue】"
	// FailureText is the only reply a sender sees for a failed task.
	FailureText = "Sorry, something went wrong while handling your message. Please try again later."

	previewBytes = 60
)

// ErrBudgetExceedsDeadline is returned when the wait budget leaves no time to
// write the response before the platform gives up.
var ErrBudgetExceedsDeadline = errors.New("reply budget must be shorter than the platform deadline")

// Task produces the reply chunks for one message. It runs on the bridge's
// base context, not the request's.
type Task func(ctx context.Context) ([]string, error)

// ForwardFunc hands an inbound message to the pipeline in active send mode.
type ForwardFunc func(ctx context.Context, env bus.InboundEnvelope) error

// Request is one webhook delivery.
type Request struct {
	Envelope bus.InboundEnvelope
	Task     Task
}

// Reply is the synchronous response. Empty means acknowledge without text.
type Reply struct {
	Text  string
	Empty bool
}

// Options configures a Bridge.
type Options struct {
	Budget         time.Duration
	Deadline       time.Duration
	StateTTL       time.Duration
	DeliveredTTL   time.Duration
	ActiveSendMode bool
	Forward        ForwardFunc
	// Delivered records answered (sender, msg id) pairs. Defaults to an
	// in-process cache.
	Delivered dedupe.Marker
	Logger    *zerolog.Logger
}

type pending struct {
	msgID     string
	preview   string
	startedAt time.Time
	done      chan struct{}

	// Set by the task goroutine under Bridge.mu before done is closed.
	chunks []string
	err    error
}

func (p *pending) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Bridge holds the per-sender pending states.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	ownDelivered *dedupe.Cache

	mu     sync.Mutex
	states map[string]*pending

	started atomic.Int64
	wg      sync.WaitGroup
}

// NewBridge creates a bridge whose tasks run under ctx.
func NewBridge(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Budget >= opts.Deadline {
		return nil, errors.Wrapf(ErrBudgetExceedsDeadline, "budget %s, deadline %s", opts.Budget, opts.Deadline)
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.DeliveredTTL <= 0 {
		opts.DeliveredTTL = DefaultDeliveredTTL
	}
	if opts.ActiveSendMode && opts.Forward == nil {
		return nil, errors.New("active send mode needs a forward func")
	}

	b := &Bridge{
		opts:   opts,
		logger: log.With().Str("component", "syncreply").Logger(),
		now:    time.Now,
		states: make(map[string]*pending),
	}
	if opts.Logger != nil {
		b.logger = *opts.Logger
	}
	if opts.Delivered == nil {
		b.ownDelivered = dedupe.New(opts.DeliveredTTL, 0)
		b.opts.Delivered = b.ownDelivered
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	return b, nil
}

// Handle answers one webhook delivery. It returns within the budget unless
// ctx ends first.
func (b *Bridge) Handle(ctx context.Context, req Request) Reply {
	env := req.Envelope
	if b.opts.ActiveSendMode {
		if err := b.opts.Forward(ctx, env); err != nil {
			b.logger.Error().Err(err).Str("sender_id", env.SenderID).Str("msg_id", env.MessageID).Msg("forward failed")
		}
		return Reply{Empty: true}
	}

	sender, msgID := env.SenderID, env.MessageID
	delivered := b.opts.Delivered.Seen(ctx, deliveredKey(sender, msgID))

	b.mu.Lock()
	st := b.currentLocked(sender)
	snap := snapshot(st)
	action := Decide(snap, msgID, delivered)
	b.logger.Debug().
		Str("sender_id", sender).
		Str("msg_id", msgID).
		Str("phase", snap.Phase().String()).
		Str("action", action.String()).
		Msg("inbound")

	switch action {
	case ActionStart:
		st = b.startLocked(sender, env, req.Task)
		b.mu.Unlock()
		return b.await(ctx, sender, st)

	case ActionWait:
		b.mu.Unlock()
		return b.await(ctx, sender, st)

	case ActionDrain:
		reply, last := b.drainLocked(st)
		b.mu.Unlock()
		if last {
			b.finish(ctx, sender, st)
		}
		return reply

	case ActionFail:
		delete(b.states, sender)
		err := st.err
		b.mu.Unlock()
		b.logger.Warn().Err(err).Str("sender_id", sender).Str("msg_id", st.msgID).Msg("task failed, state cleared")
		return Reply{Text: FailureText}

	case ActionNudgeThinking:
		text := b.thinkingText(st)
		b.mu.Unlock()
		return Reply{Text: text}

	case ActionNudgeBuffered:
		text := bufferedText(st)
		b.mu.Unlock()
		return Reply{Text: text}

	default: // ActionAckEmpty
		if st != nil {
			delete(b.states, sender)
		}
		b.mu.Unlock()
		return Reply{Empty: true}
	}
}

// await waits for the task up to the budget, then answers from whatever
// state the sender is in.
func (b *Bridge) await(ctx context.Context, sender string, st *pending) Reply {
	timer := time.NewTimer(b.opts.Budget)
	defer timer.Stop()

	select {
	case <-st.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.states[sender] != st {
		// Another delivery already finished this state.
		b.mu.Unlock()
		return Reply{Empty: true}
	}
	if !st.finished() {
		text := b.thinkingText(st)
		b.mu.Unlock()
		return Reply{Text: text}
	}
	switch {
	case st.err != nil:
		delete(b.states, sender)
		b.mu.Unlock()
		b.logger.Warn().Err(st.err).Str("sender_id", sender).Str("msg_id", st.msgID).Msg("task failed, state cleared")
		return Reply{Text: FailureText}
	case len(st.chunks) == 0:
		delete(b.states, sender)
		b.mu.Unlock()
		return Reply{Empty: true}
	}
	reply, last := b.drainLocked(st)
	b.mu.Unlock()
	if last {
		b.finish(ctx, sender, st)
	}
	return reply
}

// startLocked must be called with mu held.
func (b *Bridge) startLocked(sender string, env bus.InboundEnvelope, task Task) *pending {
	st := &pending{
		msgID:     env.MessageID,
		preview:   utils.TruncateString(env.Content, previewBytes, "…"),
		startedAt: b.now(),
		done:      make(chan struct{}),
	}
	b.states[sender] = st
	b.started.Add(1)
	b.wg.Add(1)
	go b.run(sender, st, task)
	return st
}

func (b *Bridge) run(sender string, st *pending, task Task) {
	defer b.wg.Done()
	chunks, err := runTask(b.ctx, task)

	// Nothing to send: mark before the state disappears so a replay acks.
	empty := err == nil && len(chunks) == 0
	if empty {
		b.opts.Delivered.Mark(context.WithoutCancel(b.ctx), deliveredKey(sender, st.msgID))
	}

	b.mu.Lock()
	st.chunks = chunks
	st.err = err
	close(st.done)
	if empty && b.states[sender] == st {
		delete(b.states, sender)
	}
	b.mu.Unlock()

	logger := b.logger.With().Str("sender_id", sender).Str("msg_id", st.msgID).Logger()
	switch {
	case err != nil:
		logger.Error().Err(err).Dur("elapsed", b.now().Sub(st.startedAt)).Msg("task failed")
	case empty:
		logger.Info().Msg("task finished with nothing to send")
	default:
		logger.Info().Int("chunks", len(chunks)).Dur("elapsed", b.now().Sub(st.startedAt)).Msg("task finished")
	}
}

func runTask(ctx context.Context, task Task) (chunks []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("task panic: %v", rec)
		}
	}()
	if task == nil {
		return nil, errors.New("nil task")
	}
	return task(ctx)
}

// drainLocked pops one chunk. It must be called with mu held and a finished
// state holding at least one chunk. last reports that the cache is now empty.
func (b *Bridge) drainLocked(st *pending) (reply Reply, last bool) {
	chunk := st.chunks[0]
	st.chunks = st.chunks[1:]
	if len(st.chunks) == 0 {
		return Reply{Text: chunk}, true
	}
	return Reply{Text: chunk + MoreSuffix}, false
}

// finish marks the message delivered, then returns the sender to idle.
func (b *Bridge) finish(ctx context.Context, sender string, st *pending) {
	b.opts.Delivered.Mark(context.WithoutCancel(ctx), deliveredKey(sender, st.msgID))
	b.mu.Lock()
	if b.states[sender] == st {
		delete(b.states, sender)
	}
	b.mu.Unlock()
}

// currentLocked returns the sender's state, dropping one that finished and
// outlived StateTTL. It must be called with mu held.
func (b *Bridge) currentLocked(sender string) *pending {
	st, ok := b.states[sender]
	if !ok {
		return nil
	}
	if st.finished() && b.now().Sub(st.startedAt) > b.opts.StateTTL {
		delete(b.states, sender)
		b.logger.Info().Str("sender_id", sender).Str("msg_id", st.msgID).Msg("stale reply state dropped")
		return nil
	}
	return st
}

func snapshot(st *pending) Snapshot {
	if st == nil {
		return Snapshot{}
	}
	done := st.finished()
	return Snapshot{
		Present:  true,
		MsgID:    st.msgID,
		Cached:   len(st.chunks),
		TaskDone: done,
		Failed:   done && st.err != nil,
	}
}

func (b *Bridge) thinkingText(st *pending) string {
	secs := int(b.now().Sub(st.startedAt).Seconds())
	return fmt.Sprintf("⏳ Still working on \"%s\" (%ds elapsed)", st.preview, secs)
}

func bufferedText(st *pending) string {
	return fmt.Sprintf("📨 The reply to \"%s\" has %d more part(s) buffered", st.preview, len(st.chunks))
}

func deliveredKey(sender, msgID string) string {
	return sender + ":" + msgID
}

// Phase returns the sender's current phase.
func (b *Bridge) Phase(sender string) Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.states[sender]).Phase()
}

// Pending returns the number of senders with a state.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.states)
}

// TaskCount returns the number of tasks started since creation.
func (b *Bridge) TaskCount() int64 {
	return b.started.Load()
}

// ActiveSendMode reports whether replies go out through a push API.
func (b *Bridge) ActiveSendMode() bool {
	return b.opts.ActiveSendMode
}

// Stats returns a snapshot for status endpoints.
func (b *Bridge) Stats() map[string]any {
	return map[string]any{
		"pending":        b.Pending(),
		"tasksStarted":   b.TaskCount(),
		"budgetMs":       b.opts.Budget.Milliseconds(),
		"deadlineMs":     b.opts.Deadline.Milliseconds(),
		"activeSendMode": b.opts.ActiveSendMode,
	}
}

// Close cancels running tasks and waits for them to return.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
	if b.ownDelivered != nil {
		b.ownDelivered.Close()
	}
}
