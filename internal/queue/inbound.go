// Package queue owns the per-conversation inbound mailboxes and the
// per-stream back-channels that bridge platform adapters and the agent
// pipeline.
//
// Both queue kinds are bounded. Producers block (or get ErrCapacityExceeded
// from TryPush) when a queue is full; nothing is dropped silently. Closing a
// queue only closes its done signal, never the data channel, so a close can
// never race a send into a panic.
package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

var (
	// ErrQueueClosed is returned when pushing to or popping from a closed queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrCapacityExceeded is the retriable signal returned by TryPush on a full queue.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
	// ErrStreamFinished is returned when pushing after a terminal fragment.
	ErrStreamFinished = errors.New("stream already finished")
)

// InboundQueue is the bounded mailbox for one conversation.
type InboundQueue struct {
	id        string
	items     chan bus.InboundEnvelope
	done      chan struct{}
	closeOnce sync.Once
}

func newInboundQueue(id string, capacity int) *InboundQueue {
	return &InboundQueue{
		id:    id,
		items: make(chan bus.InboundEnvelope, capacity),
		done:  make(chan struct{}),
	}
}

// ID returns the conversation id this queue serves.
func (q *InboundQueue) ID() string { return q.id }

// Push enqueues env, blocking while the queue is full.
func (q *InboundQueue) Push(ctx context.Context, env bus.InboundEnvelope) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.items <- env:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues env without blocking.
func (q *InboundQueue) TryPush(env bus.InboundEnvelope) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.items <- env:
		return nil
	default:
		return ErrCapacityExceeded
	}
}

// Pop waits for the next envelope. It returns ErrQueueClosed as soon as the
// queue is closed, even if items remain buffered.
func (q *InboundQueue) Pop(ctx context.Context) (bus.InboundEnvelope, error) {
	select {
	case <-q.done:
		return bus.InboundEnvelope{}, ErrQueueClosed
	default:
	}
	select {
	case env := <-q.items:
		return env, nil
	case <-q.done:
		return bus.InboundEnvelope{}, ErrQueueClosed
	case <-ctx.Done():
		return bus.InboundEnvelope{}, ctx.Err()
	}
}

// Close signals the queue closed. Safe to call multiple times.
func (q *InboundQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Done is closed once the queue is closed.
func (q *InboundQueue) Done() <-chan struct{} { return q.done }

// Closed reports whether Close has been called.
func (q *InboundQueue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered envelopes.
func (q *InboundQueue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *InboundQueue) Cap() int { return cap(q.items) }
