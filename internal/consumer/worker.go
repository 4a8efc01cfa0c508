package consumer

import "context"

// Worker is the processing contract a lattice registers for one subject.
// DoWork owns the message's fate: ack on success, nack or term to reject, or
// return without finalizing to let the ack-wait timeout redeliver it later.
// Delivery is at least once, so implementations must tolerate seeing the
// same message id more than once.
type Worker[M any] interface {
	DoWork(ctx context.Context, msg *ScopedMessage[M]) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc[M any] func(ctx context.Context, msg *ScopedMessage[M]) error

// DoWork calls f.
func (f WorkerFunc[M]) DoWork(ctx context.Context, msg *ScopedMessage[M]) error {
	return f(ctx, msg)
}

// DecodeFunc turns a raw broker payload into the worker's message type.
type DecodeFunc[M any] func(data []byte) (M, error)
