// Package membroker implements the broker contract in process memory:
// work-queue retention, single active delivery per message, and timer-based
// ack-wait redelivery. It backs unit tests and `weft run --broker mem`; it
// persists nothing.
package membroker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rzbill/weft/internal/broker"
)

const defaultAckWait = 30 * time.Second

// Broker is an in-memory broker.Broker.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

// EnsureStream creates the stream if missing and returns it. An existing
// stream is returned as-is; its original configuration wins.
func (b *Broker) EnsureStream(_ context.Context, cfg broker.StreamConfig) (broker.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if s, ok := b.streams[cfg.Name]; ok {
		return s, nil
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	s := &stream{
		cfg:       cfg,
		messages:  make(map[uint64]*message),
		consumers: make(map[string]*consumer),
	}
	b.streams[cfg.Name] = s
	return s, nil
}

// Publish routes the payload to the stream whose bound subjects match.
func (b *Broker) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	var target *stream
	for _, s := range b.streams {
		for _, pattern := range s.cfg.Subjects {
			if broker.MatchSubject(pattern, subject) {
				target = s
				break
			}
		}
		if target != nil {
			break
		}
	}
	b.mu.Unlock()
	if target == nil {
		return fmt.Errorf("no stream bound to subject %s", subject)
	}
	target.publish(subject, data)
	return nil
}

// Close stops all consumers and redelivery timers.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	b.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
	return nil
}

// MessageCount returns the number of live (unfinalized) messages in a
// stream. Zero for unknown streams.
func (b *Broker) MessageCount(stream string) int {
	b.mu.Lock()
	s := b.streams[stream]
	b.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ActiveConsumers returns the number of running durable consumers on a
// stream.
func (b *Broker) ActiveConsumers(stream string) int {
	b.mu.Lock()
	s := b.streams[stream]
	b.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.consumers {
		if !c.stopped {
			n++
		}
	}
	return n
}

type message struct {
	seq        uint64
	subject    string
	data       []byte
	deliveries uint64
	pending    bool
	timer      *time.Timer
}

type stream struct {
	cfg broker.StreamConfig

	mu        sync.Mutex
	seq       uint64
	messages  map[uint64]*message
	backlog   []uint64
	consumers map[string]*consumer
	closed    bool
}

// Name returns the stream name.
func (s *stream) Name() string { return s.cfg.Name }

// Consumer creates or revives the durable consumer bound to subject.
// Consumer filters are expected to be disjoint; if several match one
// subject, one of them receives the message.
func (s *stream) Consumer(_ context.Context, durable, subject string) (broker.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, broker.ErrClosed
	}
	if c, ok := s.consumers[durable]; ok {
		if c.subject != subject {
			return nil, fmt.Errorf("consumer %s already bound to subject %s", durable, c.subject)
		}
		if c.stopped {
			c.stopped = false
			c.stop = make(chan struct{})
		}
		return c, nil
	}
	c := &consumer{
		s:       s,
		durable: durable,
		subject: subject,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	s.consumers[durable] = c
	// Hand over any backlog the new filter matches.
	var rest []uint64
	for _, seq := range s.backlog {
		m := s.messages[seq]
		if m != nil && broker.MatchSubject(subject, m.subject) {
			c.ready = append(c.ready, seq)
		} else {
			rest = append(rest, seq)
		}
	}
	s.backlog = rest
	if len(c.ready) > 0 {
		c.signal()
	}
	return c, nil
}

func (s *stream) publish(subject string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	m := &message{seq: s.seq, subject: subject, data: data}
	s.messages[m.seq] = m
	if c := s.consumerFor(subject); c != nil {
		c.ready = append(c.ready, m.seq)
		c.signal()
	} else {
		s.backlog = append(s.backlog, m.seq)
	}
}

// consumerFor must be called with s.mu held.
func (s *stream) consumerFor(subject string) *consumer {
	for _, c := range s.consumers {
		if broker.MatchSubject(c.subject, subject) {
			return c
		}
	}
	return nil
}

// redeliver puts an unacknowledged message back at the front of its
// consumer's queue once the ack-wait elapses.
func (s *stream) redeliver(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[seq]
	if m == nil || !m.pending || s.closed {
		return
	}
	m.pending = false
	m.timer = nil
	if c := s.consumerFor(m.subject); c != nil {
		c.ready = append([]uint64{seq}, c.ready...)
		c.signal()
	} else {
		s.backlog = append(s.backlog, seq)
	}
}

// remove finalizes a message. Removing an already-finalized message is a
// no-op, matching ack-after-redelivery tolerance in real brokers.
func (s *stream) remove(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[seq]
	if m == nil {
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	delete(s.messages, seq)
	return nil
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, m := range s.messages {
		if m.timer != nil {
			m.timer.Stop()
		}
	}
	for _, c := range s.consumers {
		if !c.stopped {
			c.stopped = true
			close(c.stop)
		}
	}
}

type consumer struct {
	s       *stream
	durable string
	subject string

	// guarded by s.mu
	ready   []uint64
	stopped bool
	stop    chan struct{}

	notify chan struct{}
}

// signal must be called with s.mu held.
func (c *consumer) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message matching the consumer's filter is available or
// ctx is done.
func (c *consumer) Next(ctx context.Context) (broker.Delivery, error) {
	for {
		c.s.mu.Lock()
		if c.s.closed || c.stopped {
			c.s.mu.Unlock()
			return nil, broker.ErrClosed
		}
		for len(c.ready) > 0 {
			seq := c.ready[0]
			c.ready = c.ready[1:]
			m := c.s.messages[seq]
			if m == nil || m.pending {
				continue
			}
			m.deliveries++
			m.pending = true
			s := c.s
			m.timer = time.AfterFunc(s.cfg.AckWait, func() { s.redeliver(seq) })
			d := &delivery{
				s:          s,
				seq:        seq,
				subject:    m.subject,
				data:       m.data,
				deliveries: m.deliveries,
			}
			c.s.mu.Unlock()
			return d, nil
		}
		stop := c.stop
		c.s.mu.Unlock()

		select {
		case <-c.notify:
		case <-stop:
			return nil, broker.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop halts delivery. Pending messages redeliver after their ack-wait; the
// durable registration survives and can be revived via Stream.Consumer.
func (c *consumer) Stop() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
}

type delivery struct {
	s          *stream
	seq        uint64
	subject    string
	data       []byte
	deliveries uint64
}

func (d *delivery) Subject() string      { return d.subject }
func (d *delivery) Data() []byte         { return d.data }
func (d *delivery) ID() string           { return strconv.FormatUint(d.seq, 10) }
func (d *delivery) NumDelivered() uint64 { return d.deliveries }

// Ack deletes the message (work-queue retention).
func (d *delivery) Ack(context.Context) error { return d.s.remove(d.seq) }

// Term deletes the message without success semantics.
func (d *delivery) Term(context.Context) error { return d.s.remove(d.seq) }

// Nack schedules redelivery: immediately for zero delay, otherwise after the
// given duration.
func (d *delivery) Nack(_ context.Context, delay time.Duration) error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[d.seq]
	if m == nil || !m.pending {
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if delay <= 0 {
		m.pending = false
		if c := s.consumerFor(m.subject); c != nil {
			c.ready = append([]uint64{d.seq}, c.ready...)
			c.signal()
		} else {
			s.backlog = append(s.backlog, d.seq)
		}
		return nil
	}
	seq := d.seq
	m.timer = time.AfterFunc(delay, func() { s.redeliver(seq) })
	return nil
}
