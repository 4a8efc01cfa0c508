// Package redistream adapts Redis Streams to the broker contract. Every
// concrete subject gets its own stream key under the logical stream's name;
// durables map to consumer groups, acks delete entries (work-queue
// retention), and redelivery rides XAUTOCLAIM's idle-time reclaim: an entry
// pending longer than the ack-wait is claimed back before the next read.
//
// MaxAge is not enforced; entries live until they are acked or termed.
package redistream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/weft/internal/broker"
)

const (
	// blockWait bounds one XREADGROUP block. It also paces the reclaim
	// pass, so redelivery lags the ack-wait by at most this much.
	blockWait = 2 * time.Second

	// reclaimBatch caps entries moved per XAUTOCLAIM call.
	reclaimBatch = 64
)

// Broker is a broker.Broker over a Redis client. The caller owns the
// client. Publish routes only to streams ensured in this process.
type Broker struct {
	rdb redis.UniversalClient

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// New wraps an established Redis client.
func New(rdb redis.UniversalClient) *Broker {
	return &Broker{rdb: rdb, streams: make(map[string]*stream)}
}

// EnsureStream registers the stream's subject bindings. Redis state is
// created lazily, per subject, when consumers attach or publishes arrive.
func (b *Broker) EnsureStream(_ context.Context, cfg broker.StreamConfig) (broker.Stream, error) {
	if cfg.Name == "" || len(cfg.Subjects) == 0 {
		return nil, errors.New("stream needs a name and at least one subject")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if s, ok := b.streams[cfg.Name]; ok {
		return s, nil
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	s := &stream{rdb: b.rdb, cfg: cfg}
	b.streams[cfg.Name] = s
	return s, nil
}

// Publish appends the payload to the stream key of the first ensured stream
// whose bindings match the subject.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
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

	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(target.cfg.Name, subject),
		Values: map[string]interface{}{"subject": subject, "data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to %s: %w", subject, err)
	}
	return nil
}

// Close drops the in-process bindings. Redis state and the client itself
// belong to the caller.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// streamKey is the Redis key holding one subject's entries.
func streamKey(stream, subject string) string {
	return stream + ":" + subject
}

type stream struct {
	rdb redis.UniversalClient
	cfg broker.StreamConfig
}

// Name returns the logical stream name.
func (s *stream) Name() string { return s.cfg.Name }

// Consumer creates (or joins) the consumer group named durable on the
// subject's stream key. The group survives Stop; each process joins under a
// fresh member name so abandoned pending entries reclaim cleanly.
func (s *stream) Consumer(ctx context.Context, durable, subject string) (broker.Consumer, error) {
	key := streamKey(s.cfg.Name, subject)
	err := s.rdb.XGroupCreateMkStream(ctx, key, durable, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s: %w", durable, err)
	}
	return &consumer{
		rdb:     s.rdb,
		key:     key,
		group:   durable,
		name:    durable + "." + uuid.NewString(),
		ackWait: s.cfg.AckWait,
		cursor:  "0-0",
	}, nil
}

type consumer struct {
	rdb     redis.UniversalClient
	key     string
	group   string
	name    string
	ackWait time.Duration

	// cursor tracks XAUTOCLAIM progress across passes.
	cursor string

	mu       sync.Mutex
	buffered []*delivery
}

// Next returns the next delivery: first anything reclaimed from the group's
// pending list (entries idle past the ack-wait), then fresh entries.
func (c *consumer) Next(ctx context.Context) (broker.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d := c.pop(); d != nil {
			return d, nil
		}

		if err := c.reclaim(ctx); err != nil {
			return nil, err
		}
		if d := c.pop(); d != nil {
			return d, nil
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.key, ">"},
			Count:    reclaimBatch,
			Block:    blockWait,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read group %s: %w", c.group, err)
		}
		c.mu.Lock()
		for _, sr := range res {
			for _, m := range sr.Messages {
				c.buffered = append(c.buffered, c.delivery(m, 1))
			}
		}
		c.mu.Unlock()
	}
}

// Stop is a no-op: the group lives server-side and resumes on the next
// Consumer call. This member's unacked entries redeliver once their
// ack-wait passes.
func (c *consumer) Stop() {}

func (c *consumer) pop() *delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) == 0 {
		return nil
	}
	d := c.buffered[0]
	c.buffered = c.buffered[1:]
	return d
}

// reclaim moves entries idle past the ack-wait to this member and buffers
// them as redeliveries, with their per-entry delivery counts.
func (c *consumer) reclaim(ctx context.Context) error {
	msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.key,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.ackWait,
		Start:    c.cursor,
		Count:    reclaimBatch,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reclaim pending for %s: %w", c.group, err)
	}
	c.cursor = next
	if len(msgs) == 0 {
		return nil
	}

	counts, err := c.retryCounts(ctx, msgs[0].ID, msgs[len(msgs)-1].ID, int64(len(msgs)))
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, m := range msgs {
		n := counts[m.ID]
		if n == 0 {
			n = 2
		}
		c.buffered = append(c.buffered, c.delivery(m, n))
	}
	c.mu.Unlock()
	return nil
}

// retryCounts reads delivery counters for a contiguous id range from the
// pending list.
func (c *consumer) retryCounts(ctx context.Context, start, end string, count int64) (map[string]uint64, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.key,
		Group:    c.group,
		Start:    start,
		End:      end,
		Count:    count,
		Consumer: c.name,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending counts: %w", err)
	}
	counts := make(map[string]uint64, len(pending))
	for _, p := range pending {
		counts[p.ID] = uint64(p.RetryCount)
	}
	return counts, nil
}

func (c *consumer) delivery(m redis.XMessage, deliveries uint64) *delivery {
	d := &delivery{c: c, id: m.ID, deliveries: deliveries}
	if s, ok := m.Values["subject"].(string); ok {
		d.subject = s
	}
	if s, ok := m.Values["data"].(string); ok {
		d.data = []byte(s)
	}
	return d
}

type delivery struct {
	c          *consumer
	id         string
	subject    string
	data       []byte
	deliveries uint64
}

func (d *delivery) Subject() string      { return d.subject }
func (d *delivery) Data() []byte         { return d.data }
func (d *delivery) ID() string           { return d.id }
func (d *delivery) NumDelivered() uint64 { return d.deliveries }

// Ack acknowledges and deletes the entry.
func (d *delivery) Ack(ctx context.Context) error { return d.remove(ctx) }

// Term deletes the entry without success semantics; on the wire it is the
// same removal.
func (d *delivery) Term(ctx context.Context) error { return d.remove(ctx) }

func (d *delivery) remove(ctx context.Context) error {
	pipe := d.c.rdb.TxPipeline()
	pipe.XAck(ctx, d.c.key, d.c.group, d.id)
	pipe.XDel(ctx, d.c.key, d.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.id, err)
	}
	return nil
}

// Nack rewinds the entry's idle clock so the reclaim pass picks it up after
// the requested delay (immediately for zero, never later than the
// ack-wait). go-redis exposes no IDLE option on XCLAIM, so the command goes
// out raw. Nacking an entry that is no longer pending is a no-op.
func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	idle := d.c.ackWait - delay
	if idle < 0 {
		idle = 0
	}
	err := d.c.rdb.Do(ctx,
		"xclaim", d.c.key, d.c.group, d.c.name, "0", d.id,
		"idle", strconv.FormatInt(idle.Milliseconds(), 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("nack %s: %w", d.id, err)
	}
	return nil
}
