package forward

import (
	"context"

	"github.com/quillmail/smtp-discord-bridge/internal/email"
	"github.com/quillmail/smtp-discord-bridge/internal/queue"
)

// DefaultChunkLimit matches Discord's message content limit.
const DefaultChunkLimit = 2000

// QueueSubmitter renders accepted envelopes into chunks and enqueues the
// resulting task. It is the smtp.Submitter used in production wiring.
type QueueSubmitter struct {
	Queue *queue.Queue

	// ChunkLimit overrides DefaultChunkLimit when positive.
	ChunkLimit int
}

// Submit formats env and appends it to the forwarding queue, propagating
// queue.ErrFull so the session can reply with a temporary failure.
func (s *QueueSubmitter) Submit(ctx context.Context, env *email.Envelope) error {
	limit := s.ChunkLimit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	return s.Queue.Enqueue(ctx, &queue.Task{
		Envelope: env,
		Chunks:   Format(env, limit),
	})
}
