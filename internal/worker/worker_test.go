package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/weft/internal/broker"
	"github.com/rzbill/weft/internal/broker/membroker"
	"github.com/rzbill/weft/internal/command"
	"github.com/rzbill/weft/internal/consumer"
	"github.com/rzbill/weft/internal/control"
	"github.com/rzbill/weft/internal/event"
	"github.com/rzbill/weft/internal/state"
	logpkg "github.com/rzbill/weft/pkg/log"
)

type capturingPublisher struct {
	mu       sync.Mutex
	err      error
	attempts int
	subjects []string
	payloads [][]byte
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, append([]byte(nil), data...))
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *capturingPublisher) snapshot() ([]string, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...), append([][]byte(nil), p.payloads...)
}

type countingClaims struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingClaims) Claims(context.Context, string) (map[string]control.Claims, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return map[string]control.Claims{}, nil
}

func (c *countingClaims) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingInventory struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingInventory) Inventory(_ context.Context, _, hostID string) (*control.HostInventory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &control.HostInventory{HostID: hostID}, nil
}

func (c *countingInventory) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeReconciler struct {
	mu   sync.Mutex
	cmds []command.Command
	err  error
	seen []string
}

func (r *fakeReconciler) Reconcile(_ context.Context, _ string, ev event.Event) ([]command.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.EventType())
	return r.cmds, r.err
}

type eventFixture struct {
	store  *state.Store
	pub    *capturingPublisher
	rec    *fakeReconciler
	claims *countingClaims
	inv    *countingInventory
	w      *EventWorker
}

func discardLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithWriter(io.Discard))
}

func newEventFixture(t *testing.T) *eventFixture {
	t.Helper()
	logger := discardLogger()
	st, err := state.Open(state.Options{DataDir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fx := &eventFixture{
		store:  st,
		pub:    &capturingPublisher{},
		rec:    &fakeReconciler{},
		claims: &countingClaims{},
		inv:    &countingInventory{},
	}
	fx.w = NewEventWorker(EventWorkerOptions{
		Lattice:    "default",
		Store:      st,
		Claims:     fx.claims,
		Inventory:  fx.inv,
		Reconciler: fx.rec,
		Publisher:  command.NewFanoutPublisherWithLogger(fx.pub, command.Subject("default"), logger),
		Logger:     logger,
	})
	return fx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEventWorkerHostLifecycle(t *testing.T) {
	fx := newEventFixture(t)
	ctx := context.Background()

	started := &event.HostStarted{
		HostID:       "NHOST1",
		FriendlyName: "yellow-dawn-1234",
		Labels:       map[string]string{"region": "eu-1"},
		Version:      "0.62.1",
	}
	if err := fx.w.handle(ctx, started); err != nil {
		t.Fatalf("handle host_started: %v", err)
	}
	h, err := fx.store.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.FriendlyName != "yellow-dawn-1234" || h.Labels["region"] != "eu-1" {
		t.Fatalf("unexpected host %+v", h)
	}
	if h.LastSeen.IsZero() {
		t.Fatal("last seen not stamped")
	}

	hb := &event.HostHeartbeat{
		HostID:        "NHOST1",
		UptimeSeconds: 300,
		Actors:        map[string]int{"MACTOR": 2},
		Providers:     []event.ProviderRef{{PublicKey: "VPROV", ContractID: "weft:httpserver", LinkName: "default"}},
	}
	if err := fx.w.handle(ctx, hb); err != nil {
		t.Fatalf("handle heartbeat: %v", err)
	}
	h, err = fx.store.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.UptimeSeconds != 300 || h.Actors["MACTOR"] != 2 || len(h.Providers) != 1 {
		t.Fatalf("heartbeat not applied: %+v", h)
	}

	if err := fx.w.handle(ctx, &event.HostStopped{HostID: "NHOST1"}); err != nil {
		t.Fatalf("handle host_stopped: %v", err)
	}
	if _, err := fx.store.GetHost("default", "NHOST1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("host should be gone, got %v", err)
	}
}

func TestEventWorkerActorCounts(t *testing.T) {
	fx := newEventFixture(t)
	ctx := context.Background()

	// Starting an actor on an unseen host creates a skeleton record.
	start := &event.ActorStarted{PublicKey: "MACTOR", HostID: "NHOST1"}
	for i := 0; i < 2; i++ {
		if err := fx.w.handle(ctx, start); err != nil {
			t.Fatalf("handle actor_started: %v", err)
		}
	}
	h, err := fx.store.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if h.Actors["MACTOR"] != 2 {
		t.Fatalf("want 2 instances, got %d", h.Actors["MACTOR"])
	}

	stop := &event.ActorStopped{PublicKey: "MACTOR", HostID: "NHOST1"}
	if err := fx.w.handle(ctx, stop); err != nil {
		t.Fatalf("handle actor_stopped: %v", err)
	}
	h, _ = fx.store.GetHost("default", "NHOST1")
	if h.Actors["MACTOR"] != 1 {
		t.Fatalf("want 1 instance, got %d", h.Actors["MACTOR"])
	}

	if err := fx.w.handle(ctx, stop); err != nil {
		t.Fatalf("handle actor_stopped: %v", err)
	}
	h, err = fx.store.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("host record should survive the last actor: %v", err)
	}
	if _, ok := h.Actors["MACTOR"]; ok {
		t.Fatalf("actor should be dropped at zero, got %+v", h.Actors)
	}
}

func TestEventWorkerProviderSet(t *testing.T) {
	fx := newEventFixture(t)
	ctx := context.Background()

	started := &event.ProviderStarted{
		PublicKey:  "VPROV",
		ContractID: "weft:httpserver",
		LinkName:   "default",
		HostID:     "NHOST1",
	}
	// Duplicate starts collapse into one reference.
	for i := 0; i < 2; i++ {
		if err := fx.w.handle(ctx, started); err != nil {
			t.Fatalf("handle provider_started: %v", err)
		}
	}
	h, err := fx.store.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if len(h.Providers) != 1 {
		t.Fatalf("want 1 provider, got %+v", h.Providers)
	}

	stopped := &event.ProviderStopped{
		PublicKey:  "VPROV",
		ContractID: "weft:httpserver",
		LinkName:   "default",
		HostID:     "NHOST1",
	}
	if err := fx.w.handle(ctx, stopped); err != nil {
		t.Fatalf("handle provider_stopped: %v", err)
	}
	h, _ = fx.store.GetHost("default", "NHOST1")
	if len(h.Providers) != 0 {
		t.Fatalf("provider should be removed, got %+v", h.Providers)
	}
}

func TestEventWorkerRefreshesSnapshots(t *testing.T) {
	fx := newEventFixture(t)
	ctx := context.Background()

	if err := fx.w.handle(ctx, &event.HostHeartbeat{HostID: "NHOST1"}); err != nil {
		t.Fatalf("handle heartbeat: %v", err)
	}
	if fx.inv.count() != 1 || fx.claims.count() != 0 {
		t.Fatalf("heartbeat should refresh inventory only: inv=%d claims=%d", fx.inv.count(), fx.claims.count())
	}

	if err := fx.w.handle(ctx, &event.ActorStarted{PublicKey: "MACTOR", HostID: "NHOST1"}); err != nil {
		t.Fatalf("handle actor_started: %v", err)
	}
	if fx.claims.count() != 1 {
		t.Fatalf("actor start should refresh claims, got %d", fx.claims.count())
	}

	// Refresh failures are swallowed.
	fx.inv.err = errors.New("control plane down")
	if err := fx.w.handle(ctx, &event.HostHeartbeat{HostID: "NHOST1"}); err != nil {
		t.Fatalf("refresh failure should not fail the event: %v", err)
	}
}

func TestEventWorkerPublishesReconcilerCommands(t *testing.T) {
	fx := newEventFixture(t)
	fx.rec.cmds = []command.Command{
		&command.StartActor{Reference: "registry/echo:0.3.4", HostID: "NHOST1", Count: 1},
		&command.StopProvider{ProviderID: "VPROV", ContractID: "weft:httpserver", HostID: "NHOST1"},
	}

	if err := fx.w.handle(context.Background(), &event.HostHeartbeat{HostID: "NHOST1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	subjects, payloads := fx.pub.snapshot()
	if len(subjects) != 2 {
		t.Fatalf("want 2 published commands, got %d", len(subjects))
	}
	for _, s := range subjects {
		if s != "weft.cmd.default" {
			t.Fatalf("commands must target the lattice command subject, got %q", s)
		}
	}
	types := map[string]bool{}
	for _, p := range payloads {
		cmd, err := command.Decode(p)
		if err != nil {
			t.Fatalf("decode published command: %v", err)
		}
		types[cmd.CommandType()] = true
	}
	if !types["start_actor"] || !types["stop_provider"] {
		t.Fatalf("unexpected command types %v", types)
	}
}

func TestEventWorkerReconcileErrorSurfaced(t *testing.T) {
	fx := newEventFixture(t)
	fx.rec.err = errors.New("reconcile boom")

	err := fx.w.handle(context.Background(), &event.HostHeartbeat{HostID: "NHOST1"})
	if !errors.Is(err, fx.rec.err) {
		t.Fatalf("want reconcile error surfaced, got %v", err)
	}
	// State still applied before the reconciler ran.
	if _, gerr := fx.store.GetHost("default", "NHOST1"); gerr != nil {
		t.Fatalf("state should be applied: %v", gerr)
	}
}

func TestEventWorkerLinkdefEventsReachReconciler(t *testing.T) {
	fx := newEventFixture(t)

	ld := &event.LinkdefSet{Linkdef: event.Linkdef{
		ActorID:    "MACTOR",
		ProviderID: "VPROV",
		ContractID: "weft:httpserver",
		LinkName:   "default",
	}}
	if err := fx.w.handle(context.Background(), ld); err != nil {
		t.Fatalf("handle linkdef_set: %v", err)
	}

	fx.rec.mu.Lock()
	seen := append([]string(nil), fx.rec.seen...)
	fx.rec.mu.Unlock()
	if len(seen) != 1 || seen[0] != "linkdef_set" {
		t.Fatalf("reconciler should see the linkdef event, saw %v", seen)
	}
	hosts, err := fx.store.ListHosts("default")
	if err != nil {
		t.Fatalf("list hosts: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("linkdef events must not touch host state, got %+v", hosts)
	}
}

func TestEventWorkerAcksBeforeProcessing(t *testing.T) {
	fx := newEventFixture(t)
	fx.rec.err = errors.New("reconcile boom")
	ctx := context.Background()

	b := membroker.New()
	t.Cleanup(func() { _ = b.Close() })
	es, err := b.EnsureStream(ctx, broker.StreamConfig{
		Name:     "weft_events",
		Subjects: []string{event.WildcardSubject()},
		AckWait:  time.Minute,
	})
	if err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	mgr := consumer.NewWithLogger[event.Event](consumer.NewPool(4), es, event.Decode, discardLogger())
	t.Cleanup(mgr.Stop)
	if err := mgr.AddForLattice(ctx, event.Subject("default"), fx.w); err != nil {
		t.Fatalf("add for lattice: %v", err)
	}

	data, err := event.Encode(&event.HostStarted{HostID: "NHOST1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(ctx, event.Subject("default"), data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "state applied", func() bool {
		_, gerr := fx.store.GetHost("default", "NHOST1")
		return gerr == nil
	})
	// The reconciler failed, but the ack already happened: the event is
	// consumed, not redelivered.
	waitFor(t, "event consumed", func() bool { return b.MessageCount("weft_events") == 0 })
}

func TestCommandWorkerForwardsToControlSubject(t *testing.T) {
	ctx := context.Background()
	b := membroker.New()
	t.Cleanup(func() { _ = b.Close() })
	cs, err := b.EnsureStream(ctx, broker.StreamConfig{
		Name:     "weft_commands",
		Subjects: []string{command.WildcardSubject()},
		AckWait:  time.Minute,
	})
	if err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	fwd := &capturingPublisher{}
	mgr := consumer.NewWithLogger[command.Command](consumer.NewPool(4), cs, command.Decode, discardLogger())
	t.Cleanup(mgr.Stop)
	w := NewCommandWorkerWithLogger("default", fwd, discardLogger())
	if err := mgr.AddForLattice(ctx, command.Subject("default"), w); err != nil {
		t.Fatalf("add for lattice: %v", err)
	}

	data, err := command.Encode(&command.StartActor{Reference: "registry/echo:0.3.4", HostID: "NHOST1", Count: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(ctx, command.Subject("default"), data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "command forwarded", func() bool { return fwd.count() == 1 })
	subjects, payloads := fwd.snapshot()
	if subjects[0] != "lattice.ctl.default.cmd.start_actor" {
		t.Fatalf("forwarded to %q", subjects[0])
	}
	cmd, err := command.Decode(payloads[0])
	if err != nil {
		t.Fatalf("decode forwarded command: %v", err)
	}
	sa, ok := cmd.(*command.StartActor)
	if !ok || sa.Count != 2 || sa.HostID != "NHOST1" {
		t.Fatalf("unexpected forwarded command %+v", cmd)
	}
	waitFor(t, "command consumed", func() bool { return b.MessageCount("weft_commands") == 0 })
}

func TestCommandWorkerForwardFailureStillConsumes(t *testing.T) {
	ctx := context.Background()
	b := membroker.New()
	t.Cleanup(func() { _ = b.Close() })
	cs, err := b.EnsureStream(ctx, broker.StreamConfig{
		Name:     "weft_commands",
		Subjects: []string{command.WildcardSubject()},
		AckWait:  time.Minute,
	})
	if err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	fwd := &capturingPublisher{err: errors.New("control subject unreachable")}
	mgr := consumer.NewWithLogger[command.Command](consumer.NewPool(4), cs, command.Decode, discardLogger())
	t.Cleanup(mgr.Stop)
	w := NewCommandWorkerWithLogger("default", fwd, discardLogger())
	if err := mgr.AddForLattice(ctx, command.Subject("default"), w); err != nil {
		t.Fatalf("add for lattice: %v", err)
	}

	data, err := command.Encode(&command.StopActor{ActorID: "MACTOR", HostID: "NHOST1", Count: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(ctx, command.Subject("default"), data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "forward attempted", func() bool { return fwd.count() >= 1 })
	// Forward failed, but the command was acked first and stays consumed.
	waitFor(t, "command consumed", func() bool { return b.MessageCount("weft_commands") == 0 })
}
