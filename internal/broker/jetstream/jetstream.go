// Package jetstream adapts NATS JetStream to the broker contract. Streams
// use work-queue retention on file storage; consumers are durable pull
// consumers with explicit acks and unlimited redelivery, one per subject
// filter.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rzbill/weft/internal/broker"
)

// fetchWait bounds one pull request. It also bounds how long a cancelled
// pull loop keeps waiting before it notices, so it stays short.
const fetchWait = 2 * time.Second

// Broker is a broker.Broker over a NATS connection with JetStream enabled.
// The caller owns the connection.
type Broker struct {
	js jetstream.JetStream
}

// New wraps an established NATS connection.
func New(nc *nats.Conn) (*Broker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	return &Broker{js: js}, nil
}

// NewWithDomain wraps an established NATS connection scoped to a JetStream
// domain, for deployments where streams live behind a leaf node.
func NewWithDomain(nc *nats.Conn, domain string) (*Broker, error) {
	if domain == "" {
		return New(nc)
	}
	js, err := jetstream.NewWithDomain(nc, domain)
	if err != nil {
		return nil, fmt.Errorf("init jetstream domain %s: %w", domain, err)
	}
	return &Broker{js: js}, nil
}

// EnsureStream creates the stream if missing, or updates a compatible
// existing one.
func (b *Broker) EnsureStream(ctx context.Context, cfg broker.StreamConfig) (broker.Stream, error) {
	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return &stream{name: cfg.Name, stream: s, ackWait: cfg.AckWait}, nil
}

// Publish publishes synchronously and waits for the server ack.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close releases nothing: the NATS connection belongs to the caller and
// durable server-side state belongs to the cluster.
func (b *Broker) Close() error { return nil }

type stream struct {
	name    string
	stream  jetstream.Stream
	ackWait time.Duration
}

// Name returns the stream name.
func (s *stream) Name() string { return s.name }

// Consumer creates or updates the durable pull consumer bound to subject.
func (s *stream) Consumer(ctx context.Context, durable, subject string) (broker.Consumer, error) {
	c, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.ackWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
	}
	return &consumer{c: c}, nil
}

type consumer struct {
	c jetstream.Consumer
}

// Next pulls one message. The underlying fetch cannot take a context, so
// cancellation is observed between short pull attempts; a cancelled Next
// returns within fetchWait.
func (c *consumer) Next(ctx context.Context) (broker.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := c.c.Next(jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, err
		}
		return &delivery{msg: msg}, nil
	}
}

// Stop is a no-op: the durable consumer lives server-side and resumes on
// the next Consumer call.
func (c *consumer) Stop() {}

type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) Subject() string { return d.msg.Subject() }
func (d *delivery) Data() []byte    { return d.msg.Data() }

// ID returns the stream sequence of the message, stable across
// redeliveries.
func (d *delivery) ID() string {
	md, err := d.msg.Metadata()
	if err != nil {
		return ""
	}
	return strconv.FormatUint(md.Sequence.Stream, 10)
}

func (d *delivery) NumDelivered() uint64 {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}

// Ack acknowledges with server confirmation, so a lost ack surfaces as an
// error instead of a silent future redelivery.
func (d *delivery) Ack(ctx context.Context) error { return d.msg.DoubleAck(ctx) }

func (d *delivery) Nack(_ context.Context, delay time.Duration) error {
	if delay > 0 {
		return d.msg.NakWithDelay(delay)
	}
	return d.msg.Nak()
}

func (d *delivery) Term(context.Context) error { return d.msg.Term() }
