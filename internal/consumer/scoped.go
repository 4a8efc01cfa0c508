package consumer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rzbill/weft/internal/broker"
)

// ErrAlreadyFinalized is returned when a message is acked, nacked, or termed
// a second time. The extra call performs no broker action.
var ErrAlreadyFinalized = errors.New("message already finalized")

// ScopedMessage wraps one dequeued message together with its decoded payload
// and the pool permit that admitted it. Finalization (Ack, Nack, Term)
// happens at most once; a message finalized by nobody is abandoned and the
// broker redelivers it after the ack-wait timeout. The permit is released by
// the manager when the dispatch ends, on every path, never by finalization.
type ScopedMessage[M any] struct {
	payload   M
	delivery  broker.Delivery
	permit    *Permit
	finalized atomic.Bool
}

func newScopedMessage[M any](payload M, delivery broker.Delivery, permit *Permit) *ScopedMessage[M] {
	return &ScopedMessage[M]{payload: payload, delivery: delivery, permit: permit}
}

// Payload returns the decoded message body.
func (m *ScopedMessage[M]) Payload() M { return m.payload }

// Subject returns the subject the message was published on.
func (m *ScopedMessage[M]) Subject() string { return m.delivery.Subject() }

// ID returns the broker's identity for the message.
func (m *ScopedMessage[M]) ID() string { return m.delivery.ID() }

// NumDelivered reports how many times the message has been delivered,
// including this delivery.
func (m *ScopedMessage[M]) NumDelivered() uint64 { return m.delivery.NumDelivered() }

// Finalized reports whether Ack, Nack, or Term has been called.
func (m *ScopedMessage[M]) Finalized() bool { return m.finalized.Load() }

// Ack acknowledges successful processing; the broker deletes the message.
// The finalized state flips before the broker round-trip, so a failed ack
// still counts as finalized locally and the broker's redelivery covers it.
func (m *ScopedMessage[M]) Ack(ctx context.Context) error {
	if !m.finalize() {
		return ErrAlreadyFinalized
	}
	return m.delivery.Ack(ctx)
}

// Nack asks the broker to redeliver the message as soon as possible.
func (m *ScopedMessage[M]) Nack(ctx context.Context) error {
	if !m.finalize() {
		return ErrAlreadyFinalized
	}
	return m.delivery.Nack(ctx, 0)
}

// Term deletes the message without success semantics; it is not redelivered.
func (m *ScopedMessage[M]) Term(ctx context.Context) error {
	if !m.finalize() {
		return ErrAlreadyFinalized
	}
	return m.delivery.Term(ctx)
}

func (m *ScopedMessage[M]) finalize() bool { return m.finalized.CompareAndSwap(false, true) }

// discard releases the permit. The manager defers it around every dispatch.
func (m *ScopedMessage[M]) discard() { m.permit.Release() }
