package command

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/weft/internal/broker"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// FanoutPublisher publishes batches of commands derived from one event to a
// single subject.
type FanoutPublisher struct {
	pub     broker.Publisher
	subject string
	logger  logpkg.Logger
}

// NewFanoutPublisher creates a publisher targeting one subject.
func NewFanoutPublisher(pub broker.Publisher, subject string) *FanoutPublisher {
	return NewFanoutPublisherWithLogger(pub, subject, nil)
}

// NewFanoutPublisherWithLogger is NewFanoutPublisher with a caller-provided
// logger.
func NewFanoutPublisherWithLogger(pub broker.Publisher, subject string, logger logpkg.Logger) *FanoutPublisher {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &FanoutPublisher{
		pub:     pub,
		subject: subject,
		logger:  logger.With(logpkg.Component("publisher"), logpkg.Str("subject", subject)),
	}
}

// PublishCommands serializes each command independently and publishes the
// encodable subset concurrently. A command that fails to encode is dropped
// with a warning and does not abort the batch; the commands are independent
// of one another. Every publish is attempted; the first error is returned
// and already-published commands are not rolled back, so a failed batch can
// leave behind at most one extra duplicate apply downstream.
func (p *FanoutPublisher) PublishCommands(ctx context.Context, cmds []Command) error {
	var g errgroup.Group
	for _, cmd := range cmds {
		data, err := Encode(cmd)
		if err != nil {
			p.logger.Warn("command.encode_failed",
				logpkg.Str("type", cmd.CommandType()),
				logpkg.Err(err))
			continue
		}
		typ := cmd.CommandType()
		g.Go(func() error {
			if err := p.pub.Publish(ctx, p.subject, data); err != nil {
				return fmt.Errorf("publish %s command: %w", typ, err)
			}
			return nil
		})
	}
	return g.Wait()
}
