package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

// BackChannel is the bounded outbound mailbox for one reply stream.
// Fragments come out in push order. Once a terminal fragment has been pushed
// the channel refuses further pushes.
type BackChannel struct {
	id             string
	conversationID string
	items          chan bus.ResultFragment
	done           chan struct{}
	closeOnce      sync.Once

	mu       sync.Mutex
	finished bool
}

func newBackChannel(id, conversationID string, capacity int) *BackChannel {
	return &BackChannel{
		id:             id,
		conversationID: conversationID,
		items:          make(chan bus.ResultFragment, capacity),
		done:           make(chan struct{}),
	}
}

// ID returns the stream id.
func (c *BackChannel) ID() string { return c.id }

// ConversationID returns the owning conversation, if one was given.
func (c *BackChannel) ConversationID() string { return c.conversationID }

// Push appends a fragment, blocking while the channel is full.
func (c *BackChannel) Push(ctx context.Context, f bus.ResultFragment) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrStreamFinished
	}
	// Mark before sending so a concurrent writer cannot slip a fragment in
	// after the terminal one.
	if f.IsTerminal() {
		c.finished = true
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrQueueClosed
	default:
	}
	select {
	case c.items <- f:
		return nil
	case <-c.done:
		return ErrQueueClosed
	case <-ctx.Done():
		if f.IsTerminal() {
			c.mu.Lock()
			c.finished = false
			c.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Next waits for the next fragment. Buffered fragments are still returned
// after Close so a reader can drain what was produced.
func (c *BackChannel) Next(ctx context.Context) (bus.ResultFragment, error) {
	select {
	case f := <-c.items:
		return f, nil
	default:
	}
	select {
	case f := <-c.items:
		return f, nil
	case <-c.done:
		return bus.ResultFragment{}, ErrQueueClosed
	case <-ctx.Done():
		return bus.ResultFragment{}, ctx.Err()
	}
}

// NextWithin waits at most d for the next fragment. ok is false on timeout.
func (c *BackChannel) NextWithin(ctx context.Context, d time.Duration) (f bus.ResultFragment, ok bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	f, err = c.Next(waitCtx)
	if err == nil {
		return f, true, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return bus.ResultFragment{}, false, nil
	}
	return bus.ResultFragment{}, false, err
}

// Drain returns every buffered fragment without blocking, stopping after a
// terminal fragment.
func (c *BackChannel) Drain() []bus.ResultFragment {
	var out []bus.ResultFragment
	for {
		select {
		case f := <-c.items:
			out = append(out, f)
			if f.IsTerminal() {
				return out
			}
		default:
			return out
		}
	}
}

// Finished reports whether a terminal fragment has been pushed.
func (c *BackChannel) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Close signals the channel closed. Safe to call multiple times.
func (c *BackChannel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the channel is closed.
func (c *BackChannel) Done() <-chan struct{} { return c.done }

// Len returns the number of buffered fragments.
func (c *BackChannel) Len() int { return len(c.items) }
