package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/weft/internal/broker"
	"github.com/rzbill/weft/internal/command"
	"github.com/rzbill/weft/internal/consumer"
	"github.com/rzbill/weft/internal/control"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// CommandWorker forwards accepted commands to the lattice control subject
// for their kind, where hosts pick them up.
type CommandWorker struct {
	lattice string
	pub     broker.Publisher
	logger  logpkg.Logger
}

var _ consumer.Worker[command.Command] = (*CommandWorker)(nil)

// NewCommandWorker builds a worker forwarding through pub.
func NewCommandWorker(lattice string, pub broker.Publisher) *CommandWorker {
	return NewCommandWorkerWithLogger(lattice, pub, nil)
}

// NewCommandWorkerWithLogger is NewCommandWorker with a caller-provided
// logger.
func NewCommandWorkerWithLogger(lattice string, pub broker.Publisher, logger logpkg.Logger) *CommandWorker {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &CommandWorker{
		lattice: lattice,
		pub:     pub,
		logger:  logger.With(logpkg.Component("worker"), logpkg.Str("lattice", lattice)),
	}
}

// DoWork implements consumer.Worker. The ack comes first: a forward lost
// after the ack is dropped, a forward repeated after a redelivered ack may
// duplicate. Hosts treat commands idempotently either way.
func (w *CommandWorker) DoWork(ctx context.Context, msg *consumer.ScopedMessage[command.Command]) error {
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, consumer.ErrAlreadyFinalized) {
		w.logger.Warn("command.ack_failed",
			logpkg.Str("message_id", msg.ID()),
			logpkg.Err(err))
	}

	cmd := msg.Payload()
	data, err := command.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.CommandType(), err)
	}
	subject := control.CommandSubject(w.lattice, cmd.CommandType())
	if err := w.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("forward %s command to %s: %w", cmd.CommandType(), subject, err)
	}
	w.logger.Debug("command.forwarded",
		logpkg.Str("type", cmd.CommandType()),
		logpkg.Str("subject", subject))
	return nil
}
