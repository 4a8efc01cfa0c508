// Package worker implements the two lattice workers weft registers with its
// consumer managers: one applying observed events, one forwarding accepted
// commands to hosts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/weft/internal/command"
	"github.com/rzbill/weft/internal/consumer"
	"github.com/rzbill/weft/internal/control"
	"github.com/rzbill/weft/internal/event"
	"github.com/rzbill/weft/internal/state"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// Reconciler turns one observed event into corrective commands for its
// lattice. Implementations must be safe for concurrent use; events for many
// lattices dispatch at once.
type Reconciler interface {
	Reconcile(ctx context.Context, lattice string, ev event.Event) ([]command.Command, error)
}

// NoopReconciler never issues commands.
type NoopReconciler struct{}

// Reconcile returns no commands.
func (NoopReconciler) Reconcile(context.Context, string, event.Event) ([]command.Command, error) {
	return nil, nil
}

// EventWorkerOptions wires one lattice's event worker.
type EventWorkerOptions struct {
	Lattice string
	Store   *state.Store
	// Claims and Inventory are optional; when nil the worker skips
	// snapshot refreshes.
	Claims    control.ClaimsSource
	Inventory control.InventorySource
	// Reconciler is optional; nil gets NoopReconciler.
	Reconciler Reconciler
	Publisher  *command.FanoutPublisher
	Logger     logpkg.Logger
}

// EventWorker processes one lattice's events: acknowledge, record observed
// state, refresh control-plane snapshots, then hand the event to the
// reconciler and publish whatever commands come back.
//
// The ack comes first. An event lost between ack and apply is repaired by
// the next heartbeat, and a missed command beats a duplicate one after
// redelivery.
type EventWorker struct {
	lattice   string
	store     *state.Store
	claims    control.ClaimsSource
	inventory control.InventorySource
	rec       Reconciler
	pub       *command.FanoutPublisher
	logger    logpkg.Logger
}

var _ consumer.Worker[event.Event] = (*EventWorker)(nil)

// NewEventWorker builds a worker from opts.
func NewEventWorker(opts EventWorkerOptions) *EventWorker {
	rec := opts.Reconciler
	if rec == nil {
		rec = NoopReconciler{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &EventWorker{
		lattice:   opts.Lattice,
		store:     opts.Store,
		claims:    opts.Claims,
		inventory: opts.Inventory,
		rec:       rec,
		pub:       opts.Publisher,
		logger:    logger.With(logpkg.Component("worker"), logpkg.Str("lattice", opts.Lattice)),
	}
}

// DoWork implements consumer.Worker.
func (w *EventWorker) DoWork(ctx context.Context, msg *consumer.ScopedMessage[event.Event]) error {
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, consumer.ErrAlreadyFinalized) {
		// The broker redelivers; handling tolerates the duplicate.
		w.logger.Warn("event.ack_failed",
			logpkg.Str("message_id", msg.ID()),
			logpkg.Err(err))
	}
	return w.handle(ctx, msg.Payload())
}

func (w *EventWorker) handle(ctx context.Context, ev event.Event) error {
	if err := w.apply(ev); err != nil {
		return fmt.Errorf("apply %s event: %w", ev.EventType(), err)
	}
	w.refresh(ctx, ev)

	cmds, err := w.rec.Reconcile(ctx, w.lattice, ev)
	if err != nil {
		return fmt.Errorf("reconcile %s event: %w", ev.EventType(), err)
	}
	if len(cmds) == 0 {
		return nil
	}
	if err := w.pub.PublishCommands(ctx, cmds); err != nil {
		return fmt.Errorf("publish commands for %s event: %w", ev.EventType(), err)
	}
	w.logger.Debug("event.commands_published",
		logpkg.Str("type", ev.EventType()),
		logpkg.Int("count", len(cmds)))
	return nil
}

// apply folds one event into the observed-state store.
func (w *EventWorker) apply(ev event.Event) error {
	now := time.Now().UTC()
	switch e := ev.(type) {
	case *event.HostStarted:
		return w.store.PutHost(w.lattice, &state.Host{
			ID:           e.HostID,
			FriendlyName: e.FriendlyName,
			Labels:       e.Labels,
			Version:      e.Version,
			LastSeen:     now,
		})
	case *event.HostStopped:
		return w.store.DeleteHost(w.lattice, e.HostID)
	case *event.HostHeartbeat:
		// Heartbeats carry the full running set and replace the record.
		return w.store.PutHost(w.lattice, &state.Host{
			ID:            e.HostID,
			FriendlyName:  e.FriendlyName,
			Labels:        e.Labels,
			Version:       e.Version,
			UptimeSeconds: e.UptimeSeconds,
			Actors:        e.Actors,
			Providers:     e.Providers,
			LastSeen:      now,
		})
	case *event.ActorStarted:
		return w.mutateHost(e.HostID, now, func(h *state.Host) {
			if h.Actors == nil {
				h.Actors = make(map[string]int)
			}
			h.Actors[e.PublicKey]++
		})
	case *event.ActorStopped:
		return w.mutateHost(e.HostID, now, func(h *state.Host) {
			if h.Actors[e.PublicKey] <= 1 {
				delete(h.Actors, e.PublicKey)
			} else {
				h.Actors[e.PublicKey]--
			}
		})
	case *event.ProviderStarted:
		ref := event.ProviderRef{PublicKey: e.PublicKey, ContractID: e.ContractID, LinkName: e.LinkName}
		return w.mutateHost(e.HostID, now, func(h *state.Host) {
			for _, p := range h.Providers {
				if p == ref {
					return
				}
			}
			h.Providers = append(h.Providers, ref)
		})
	case *event.ProviderStopped:
		ref := event.ProviderRef{PublicKey: e.PublicKey, ContractID: e.ContractID, LinkName: e.LinkName}
		return w.mutateHost(e.HostID, now, func(h *state.Host) {
			kept := h.Providers[:0]
			for _, p := range h.Providers {
				if p != ref {
					kept = append(kept, p)
				}
			}
			if len(kept) == 0 {
				kept = nil
			}
			h.Providers = kept
		})
	default:
		// Linkdef events carry no host state; the reconciler sees them.
		return nil
	}
}

// mutateHost loads a host record, creating a skeleton for hosts seen only
// through workload events, applies fn, stamps LastSeen and writes it back.
func (w *EventWorker) mutateHost(hostID string, now time.Time, fn func(*state.Host)) error {
	h, err := w.store.GetHost(w.lattice, hostID)
	if errors.Is(err, state.ErrNotFound) {
		h = &state.Host{ID: hostID}
	} else if err != nil {
		return err
	}
	fn(h)
	h.LastSeen = now
	return w.store.PutHost(w.lattice, h)
}

// refresh pulls fresh control-plane snapshots when an event suggests they
// changed. Failures are logged and swallowed; the reconciler runs on the
// best data available.
func (w *EventWorker) refresh(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case *event.HostHeartbeat:
		if w.inventory == nil {
			return
		}
		if _, err := w.inventory.Inventory(ctx, w.lattice, e.HostID); err != nil {
			w.logger.Warn("event.inventory_refresh_failed",
				logpkg.Str("host_id", e.HostID),
				logpkg.Err(err))
		}
	case *event.ActorStarted, *event.ProviderStarted:
		if w.claims == nil {
			return
		}
		if _, err := w.claims.Claims(ctx, w.lattice); err != nil {
			w.logger.Warn("event.claims_refresh_failed", logpkg.Err(err))
		}
	}
}
