// Package broker defines the capability surface weft needs from a message
// broker: durable work-queue streams, per-subject consumers with explicit
// acknowledgment, and a publisher. Adapters under this package implement the
// contract for NATS JetStream, Redis Streams, and an in-process broker used
// by tests and local development.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed broker or consumer.
	ErrClosed = errors.New("broker closed")
)

// StreamConfig declares a durable work-queue stream. Messages published to
// any of the bound subjects are retained until one consumer finalizes them,
// and redelivered when a delivery stays unacknowledged past AckWait.
type StreamConfig struct {
	Name     string
	Subjects []string
	AckWait  time.Duration
	MaxAge   time.Duration
}

// Delivery is one dequeued message. The handle is owned by a single consumer
// and is finalized at most once; the broker redelivers the message after the
// ack-wait timeout if no finalization happened.
type Delivery interface {
	// Subject is the subject the message was published on.
	Subject() string
	// Data is the raw message body.
	Data() []byte
	// ID identifies the message within its stream, for logging and dedupe.
	ID() string
	// NumDelivered reports how many times this message has been delivered,
	// including this delivery.
	NumDelivered() uint64

	// Ack removes the message from the stream (processing succeeded).
	Ack(ctx context.Context) error
	// Nack asks for redelivery; zero delay means as soon as possible.
	Nack(ctx context.Context, delay time.Duration) error
	// Term removes the message without success semantics; it is not
	// redelivered.
	Term(ctx context.Context) error
}

// Consumer is a durable subscription to one subject filter of a stream.
type Consumer interface {
	// Next blocks until a message is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)
	// Stop releases the subscription. Messages already delivered but not
	// finalized redeliver after their ack-wait.
	Stop()
}

// Stream is a handle to one durable work-queue stream.
type Stream interface {
	Name() string
	// Consumer creates or reuses the durable consumer bound to subject.
	// Creation fails if an existing consumer with the same durable name is
	// bound to a different subject.
	Consumer(ctx context.Context, durable, subject string) (Consumer, error)
}

// Publisher publishes one payload to one subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Broker is a connection to a message broker.
type Broker interface {
	Publisher

	// EnsureStream creates the stream if missing and returns a handle to it.
	EnsureStream(ctx context.Context, cfg StreamConfig) (Stream, error)
	Close() error
}
