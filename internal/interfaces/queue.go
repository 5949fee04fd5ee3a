package interfaces

import (
	"context"
	"time"
)

// Envelope is a received queue message with broker bookkeeping
type Envelope struct {
	ID           string // broker-assigned message ID
	Body         []byte
	ReceiveCount int
}

// Queue is the durable broker abstraction. Delivery is at-least-once: a
// received message that is not acknowledged becomes visible again after the
// visibility timeout and is redelivered.
type Queue interface {
	// SendOne enqueues a single message, immediately visible
	SendOne(ctx context.Context, body []byte) error

	// SendOneDelayed enqueues a message that becomes visible after delay.
	// Used for backoff redelivery of retryable task failures.
	SendOneDelayed(ctx context.Context, body []byte, delay time.Duration) error

	// SendBatch enqueues up to the broker batch cap in one transaction.
	// On error nothing in the batch is enqueued; callers fall back to
	// individual sends for per-member error isolation.
	SendBatch(ctx context.Context, bodies [][]byte) error

	// Receive pulls the next visible message. Returns the envelope and an
	// acknowledge function that deletes the message; models.ErrNoMessage
	// when the queue is empty.
	Receive(ctx context.Context) (*Envelope, func() error, error)

	Close() error
}
