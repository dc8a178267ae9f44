// Package forward implements the Discord forwarder: the single consumer
// that drains the forwarding queue and submits rendered chunks to the
// configured sink with bounded retries.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quillmail/smtp-discord-bridge/internal/queue"
	"github.com/quillmail/smtp-discord-bridge/internal/sink"
)

// Config tunes the forwarder's retry behavior.
type Config struct {
	// MaxRetries is the number of retry attempts after the first failed
	// submission of a chunk.
	MaxRetries int

	// BaseDelay is the initial delay for exponential backoff.
	BaseDelay time.Duration

	// DrainTimeout bounds how long a cancelled forwarder keeps working
	// on tasks that were already queued.
	DrainTimeout time.Duration
}

// DefaultConfig returns the forwarder defaults: 3 retries with 1s base
// backoff, 30s drain window on shutdown.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		DrainTimeout: 30 * time.Second,
	}
}

// Stats counts forwarding outcomes. Counters are atomic so tests and
// admin surfaces can read them while the forwarder runs.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	Retries   uint64
}

// Forwarder drains the queue in FIFO order and posts each task's chunks
// sequentially. Ordering across all sessions follows enqueue order; a
// stalled submission blocks everything behind it, which is the accepted
// cost of the single-consumer design.
type Forwarder struct {
	queue   *queue.Queue
	sink    sink.Sink
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	delivered atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
}

// New creates a Forwarder consuming q and delivering through s.
func New(q *queue.Queue, s sink.Sink, cfg Config) *Forwarder {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "discord-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("sink circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Forwarder{
		queue:   q,
		sink:    s,
		cfg:     cfg,
		breaker: cb,
	}
}

// Run consumes the queue until it is closed and drained, then returns
// nil. Cancelling ctx is a hard stop: already-queued tasks get a bounded
// drain window and anything left is abandoned.
func (f *Forwarder) Run(ctx context.Context) error {
	slog.Info("forwarder started", "sink", f.sink.Name())

	for {
		task, err := f.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) {
			slog.Info("forwarder finished", "delivered", f.delivered.Load(), "dropped", f.dropped.Load())
			return nil
		}
		if err != nil {
			return f.drain()
		}

		f.deliver(ctx, task)
	}
}

// drain handles hard-stop shutdown: work through whatever is already
// queued inside the drain window, without accepting cancellation again.
func (f *Forwarder) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.DrainTimeout)
	defer cancel()

	for {
		task, ok := f.queue.TryDequeue()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			f.dropped.Add(1)
			slog.Warn("dropping task on shutdown", "id", task.Envelope.ID)
			continue
		}
		f.deliver(ctx, task)
	}
}

// deliver posts all chunks of one task sequentially. A failed chunk
// drops the whole task; chunks already posted are not recalled.
func (f *Forwarder) deliver(ctx context.Context, task *queue.Task) {
	for i, chunk := range task.Chunks {
		if err := f.postChunk(ctx, chunk); err != nil {
			f.dropped.Add(1)
			slog.Error("dropping message",
				"id", task.Envelope.ID,
				"from", task.Envelope.From,
				"chunk", i,
				"chunks", len(task.Chunks),
				"error", err,
			)
			return
		}
	}

	f.delivered.Add(1)
	slog.Info("message forwarded",
		"id", task.Envelope.ID,
		"from", task.Envelope.From,
		"chunks", len(task.Chunks),
	)
}

// postChunk submits one chunk with exponential backoff on transient
// failures. Permanent rejections are returned immediately without retry.
func (f *Forwarder) postChunk(ctx context.Context, chunk string) error {
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			f.retries.Add(1)
			delay := f.retryDelay(lastErr, attempt)
			slog.Debug("retrying chunk submission",
				"attempt", attempt,
				"max_retries", f.cfg.MaxRetries,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("cancelled during retry wait: %w", err)
			}
		}

		_, err := f.breaker.Execute(func() (interface{}, error) {
			return nil, f.sink.Post(ctx, chunk)
		})
		if err == nil {
			return nil
		}

		if sink.IsPermanent(err) {
			return fmt.Errorf("permanent delivery failure: %w", err)
		}

		lastErr = err
		slog.Warn("transient delivery failure",
			"sink", f.sink.Name(),
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("delivery failed after %d retries: %w", f.cfg.MaxRetries, lastErr)
}

// retryDelay prefers the destination's Retry-After signal over plain
// exponential backoff.
func (f *Forwarder) retryDelay(lastErr error, attempt int) time.Duration {
	if seconds := sink.RetryAfter(lastErr); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	delay := f.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Stats returns a snapshot of forwarding outcome counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
		Retries:   f.retries.Load(),
	}
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
