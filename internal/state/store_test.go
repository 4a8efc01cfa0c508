package state

import (
	"errors"
	"testing"
	"time"

	"github.com/rzbill/weft/internal/control"
	"github.com/rzbill/weft/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHostCRUD(t *testing.T) {
	s := newTestStore(t)

	host := &Host{
		ID:            "NHOST1",
		FriendlyName:  "yellow-dawn-1234",
		Labels:        map[string]string{"region": "eu-1"},
		Version:       "0.62.1",
		UptimeSeconds: 120,
		Actors:        map[string]int{"MACTOR": 2},
		Providers:     []event.ProviderRef{{PublicKey: "VPROV", ContractID: "weft:httpserver", LinkName: "default"}},
		LastSeen:      time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutHost("default", host); err != nil {
		t.Fatalf("put host: %v", err)
	}

	got, err := s.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if got.FriendlyName != host.FriendlyName || got.Actors["MACTOR"] != 2 {
		t.Fatalf("unexpected host %+v", got)
	}
	if len(got.Providers) != 1 || got.Providers[0].PublicKey != "VPROV" {
		t.Fatalf("unexpected providers %+v", got.Providers)
	}
	if !got.LastSeen.Equal(host.LastSeen) {
		t.Fatalf("last seen drifted: got %v want %v", got.LastSeen, host.LastSeen)
	}

	if err := s.DeleteHost("default", "NHOST1"); err != nil {
		t.Fatalf("delete host: %v", err)
	}
	if _, err := s.GetHost("default", "NHOST1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestListHostsOrderedAndScoped(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"NHOST2", "NHOST1"} {
		if err := s.PutHost("default", &Host{ID: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := s.PutHost("other", &Host{ID: "NHOST9"}); err != nil {
		t.Fatalf("put other lattice: %v", err)
	}

	hosts, err := s.ListHosts("default")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hosts) != 2 || hosts[0].ID != "NHOST1" || hosts[1].ID != "NHOST2" {
		t.Fatalf("unexpected listing %+v", hosts)
	}

	empty, err := s.ListHosts("unseen")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no hosts, got %d", len(empty))
	}
}

func TestDeleteMissingHost(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteHost("default", "NHOSTX"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestDeleteHostDropsInventory(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutHost("default", &Host{ID: "NHOST1"}); err != nil {
		t.Fatalf("put host: %v", err)
	}
	if err := s.PutInventory("default", "NHOST1", &control.HostInventory{HostID: "NHOST1"}); err != nil {
		t.Fatalf("put inventory: %v", err)
	}

	if err := s.DeleteHost("default", "NHOST1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetInventory("default", "NHOST1"); !errors.Is(err, control.ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot after delete, got %v", err)
	}
}

func TestClaimsSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetClaims("default"); !errors.Is(err, control.ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot before put, got %v", err)
	}

	claims := map[string]control.Claims{
		"MACTOR": {Name: "echo", Capabilities: []string{"weft:httpserver"}, Issuer: "AISSUER"},
	}
	if err := s.PutClaims("default", claims); err != nil {
		t.Fatalf("put claims: %v", err)
	}

	got, err := s.GetClaims("default")
	if err != nil {
		t.Fatalf("get claims: %v", err)
	}
	c := got["MACTOR"]
	if c.Name != "echo" || c.Issuer != "AISSUER" || len(c.Capabilities) != 1 {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestInventorySnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetInventory("default", "NHOST1"); !errors.Is(err, control.ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot before put, got %v", err)
	}

	inv := &control.HostInventory{
		HostID: "NHOST1",
		Labels: map[string]string{"region": "eu-1"},
		Actors: []control.ActorDescription{{ID: "MACTOR", Count: 3}},
	}
	if err := s.PutInventory("default", "NHOST1", inv); err != nil {
		t.Fatalf("put inventory: %v", err)
	}

	got, err := s.GetInventory("default", "NHOST1")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if got.HostID != "NHOST1" || got.Actors[0].Count != 3 {
		t.Fatalf("unexpected inventory %+v", got)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.PutHost("default", &Host{ID: "NHOST1", Version: "0.62.1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	host, err := s2.GetHost("default", "NHOST1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if host.Version != "0.62.1" {
		t.Fatalf("unexpected host %+v", host)
	}
}
