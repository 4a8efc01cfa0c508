package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/weft/internal/broker"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// ErrStopped is returned by AddForLattice after Stop.
var ErrStopped = errors.New("consumer manager stopped")

// fetchBackoff paces a pull loop after a broker fetch error.
const fetchBackoff = 250 * time.Millisecond

// Manager owns one durable consumer per lattice subject on a single stream
// and drives the pull loop that feeds each registered worker. All loops share
// one Pool, so total in-flight work stays within the pool's capacity no
// matter how many lattices are registered.
type Manager[M any] struct {
	pool   *Pool
	stream broker.Stream
	decode DecodeFunc[M]
	logger logpkg.Logger

	mu      sync.Mutex
	loops   map[string]*pullLoop
	stopped bool

	// wg counts pull loops and in-flight dispatches; Stop drains both.
	wg sync.WaitGroup
}

type pullLoop struct {
	cancel   context.CancelFunc
	done     chan struct{}
	consumer broker.Consumer
}

// New binds a manager to a shared pool and a durable stream. No broker I/O
// happens until AddForLattice.
func New[M any](pool *Pool, stream broker.Stream, decode DecodeFunc[M]) *Manager[M] {
	return NewWithLogger(pool, stream, decode, nil)
}

// NewWithLogger is New with a caller-provided logger.
func NewWithLogger[M any](pool *Pool, stream broker.Stream, decode DecodeFunc[M], logger logpkg.Logger) *Manager[M] {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &Manager[M]{
		pool:   pool,
		stream: stream,
		decode: decode,
		logger: logger.With(logpkg.Component("consumer"), logpkg.Str("stream", stream.Name())),
		loops:  make(map[string]*pullLoop),
	}
}

// AddForLattice creates (or reuses) the durable consumer bound to subject and
// starts a pull loop dispatching to worker. Registration is idempotent: a
// second call for an already-registered subject is a no-op. The error paths
// are broker unreachability and consumer-creation conflicts.
func (m *Manager[M]) AddForLattice(ctx context.Context, subject string, worker Worker[M]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if _, ok := m.loops[subject]; ok {
		return nil
	}
	cons, err := m.stream.Consumer(ctx, broker.DurableName(subject), subject)
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", subject, err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &pullLoop{cancel: cancel, done: make(chan struct{}), consumer: cons}
	m.loops[subject] = loop
	m.wg.Add(1)
	go m.run(loopCtx, loop, subject, worker)
	m.logger.Info("Registered lattice consumer", logpkg.Str("subject", subject))
	return nil
}

// RemoveForLattice stops the subject's pull loop and releases its
// registration. In-flight work keeps running; deliveries the loop never
// finalized redeliver after their ack-wait. Removing an unknown subject is a
// no-op.
func (m *Manager[M]) RemoveForLattice(subject string) {
	m.mu.Lock()
	loop, ok := m.loops[subject]
	if ok {
		delete(m.loops, subject)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
	loop.consumer.Stop()
	m.logger.Info("Removed lattice consumer", logpkg.Str("subject", subject))
}

// Subjects returns the currently registered subjects, sorted.
func (m *Manager[M]) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.loops))
	for s := range m.loops {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stop stops every pull loop, then waits for in-flight dispatches to finish.
// Running workers are drained, not cancelled.
func (m *Manager[M]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	loops := m.loops
	m.loops = map[string]*pullLoop{}
	m.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}
	for _, loop := range loops {
		<-loop.done
		loop.consumer.Stop()
	}
	m.wg.Wait()
	m.logger.Info("Consumer manager stopped")
}

// run is one lattice's pull loop: next message, acquire a permit, decode,
// dispatch. It exits only on removal or shutdown.
func (m *Manager[M]) run(ctx context.Context, loop *pullLoop, subject string, worker Worker[M]) {
	defer m.wg.Done()
	defer close(loop.done)
	logger := m.logger.With(logpkg.Str("subject", subject))

	for {
		delivery, err := loop.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("consumer.fetch_failed", logpkg.Err(err))
			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		permit, err := m.pool.Acquire(ctx)
		if err != nil {
			// Shutdown while waiting for capacity. The delivery was never
			// finalized, so the broker redelivers it.
			return
		}

		payload, err := m.decode(delivery.Data())
		if err != nil {
			// Undecodable now may be decodable after a deploy; leave the
			// message un-acked so it follows normal redelivery.
			logger.Error("consumer.decode_failed",
				logpkg.Str("message_id", delivery.ID()),
				logpkg.Err(err))
			permit.Release()
			continue
		}

		msg := newScopedMessage(payload, delivery, permit)
		m.wg.Add(1)
		go m.dispatch(ctx, msg, worker, logger)
	}
}

func (m *Manager[M]) dispatch(ctx context.Context, msg *ScopedMessage[M], worker Worker[M], logger logpkg.Logger) {
	defer m.wg.Done()
	defer msg.discard()

	logger.Debug("consumer.dispatch",
		logpkg.Str("message_id", msg.ID()),
		logpkg.Uint64("deliveries", msg.NumDelivered()))

	// In-flight work drains on shutdown instead of being cancelled with the
	// pull loop.
	err := worker.DoWork(context.WithoutCancel(ctx), msg)
	switch {
	case err != nil:
		logger.Error("consumer.work_failed",
			logpkg.Str("message_id", msg.ID()),
			logpkg.Err(err))
	case !msg.Finalized():
		logger.Debug("consumer.work_abandoned", logpkg.Str("message_id", msg.ID()))
	default:
		logger.Debug("consumer.work_done", logpkg.Str("message_id", msg.ID()))
	}
}
