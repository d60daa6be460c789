package notify

import (
	"context"

	"libraryapi/pkg/queue"
)

// Enqueuer appends a notification to a durable outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, patronID int, message string) (queue.Delivery, error)
}

// OutboxSender parks notifications on the Redis outbox; a consumer started
// with Deliver drains them into the real transport.
type OutboxSender struct {
	outbox Enqueuer
}

func NewOutboxSender(outbox Enqueuer) *OutboxSender {
	return &OutboxSender{outbox: outbox}
}

func (s *OutboxSender) Send(ctx context.Context, patronID int, message string) error {
	_, err := s.outbox.Enqueue(ctx, patronID, message)
	return err
}

// Deliver adapts a Sender into an outbox consumer handler.
func Deliver(next Sender) func(context.Context, queue.Delivery) error {
	return func(ctx context.Context, d queue.Delivery) error {
		return next.Send(ctx, d.PatronID, d.Message)
	}
}
