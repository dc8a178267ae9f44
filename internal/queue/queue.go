// Package queue provides the bounded FIFO forwarding queue that decouples
// SMTP session acceptance from outbound Discord delivery.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quillmail/smtp-discord-bridge/internal/email"
)

// ErrFull is returned when an enqueue waits longer than the configured
// ceiling for a slot. Sessions translate it into a 451 reply so the
// sending MTA retries later; SMTP's own retry semantics are the only
// overload recovery mechanism.
var ErrFull = errors.New("forwarding queue full")

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
// queue is closed and drained.
var ErrClosed = errors.New("forwarding queue closed")

// Task is one queued unit of forwarding work: an accepted envelope plus
// its pre-rendered chat chunks. Tasks are dequeued exactly once.
type Task struct {
	Envelope *email.Envelope

	// Chunks is the chat-formatted text split under the destination
	// length limit. Rendering happens at enqueue time so the split is
	// part of the immutable task.
	Chunks []string
}

// Queue is a capacity-bounded FIFO of forward tasks. Enqueue is safe for
// concurrent use by many sessions; Dequeue has a single consumer, the
// forwarder. The channel's buffer is the capacity bound, so the queue can
// never hold more than its configured size.
type Queue struct {
	tasks       chan *Task
	enqueueWait time.Duration

	// mu serializes Enqueue against Close: Close waits for in-flight
	// enqueues before closing the channel, so a late producer gets
	// ErrClosed instead of a send on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// New creates a queue with the given capacity and enqueue wait ceiling.
func New(capacity int, enqueueWait time.Duration) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		tasks:       make(chan *Task, capacity),
		enqueueWait: enqueueWait,
	}
}

// Enqueue appends a task, blocking while the queue is at capacity. If no
// slot frees within the wait ceiling it returns ErrFull; if ctx ends
// first it returns the context error. Enqueueing after Close returns
// ErrClosed.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	// Fast path: slot available.
	select {
	case q.tasks <- task:
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueWait)
	defer timer.Stop()

	select {
	case q.tasks <- task:
		return nil
	case <-timer.C:
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes and returns the oldest task, blocking until one is
// available. It returns ErrClosed once the queue is closed and drained,
// and the context error if ctx ends first.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return nil, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryDequeue removes the oldest task without blocking. It reports false
// when the queue is empty or closed.
func (q *Queue) TryDequeue() (*Task, bool) {
	select {
	case task, ok := <-q.tasks:
		return task, ok
	default:
		return nil, false
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close marks the queue closed. It waits for in-flight enqueues to
// finish; later enqueues fail with ErrClosed. The consumer can keep
// dequeueing until the remaining tasks drain. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.tasks)
}
