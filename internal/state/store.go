package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/weft/internal/control"
	pebblestore "github.com/rzbill/weft/internal/storage/pebble"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("state: not found")

var (
	_ control.ClaimsStore    = (*Store)(nil)
	_ control.InventoryStore = (*Store)(nil)
)

// Options configures the store.
type Options struct {
	// DataDir is the directory holding the Pebble database.
	DataDir string
	// Fsync selects the WAL sync policy; the zero value gets interval
	// group commit.
	Fsync pebblestore.FsyncMode
	// Logger is optional; nil selects a default logger.
	Logger logpkg.Logger
}

// Store is the observed-state store. It is safe for concurrent use.
type Store struct {
	db     *pebblestore.DB
	logger logpkg.Logger
}

// Open opens or creates the store under opts.DataDir.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: opts.DataDir,
		Fsync:   opts.Fsync,
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db, logger: logger.With(logpkg.Component("state"))}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutHost upserts the record for one host.
func (s *Store) PutHost(lattice string, h *Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode host %s: %w", h.ID, err)
	}
	return s.db.Set(hostKey(lattice, h.ID), data)
}

// GetHost returns the record for one host, or ErrNotFound.
func (s *Store) GetHost(lattice, hostID string) (*Host, error) {
	data, err := s.db.Get(hostKey(lattice, hostID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read host %s: %w", hostID, err)
	}
	var h Host
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode host %s: %w", hostID, err)
	}
	return &h, nil
}

// ListHosts returns every host record for a lattice, ordered by host id.
func (s *Store) ListHosts(lattice string) ([]*Host, error) {
	prefix := hostPrefix(lattice)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	defer it.Close()

	var hosts []*Host
	for it.First(); it.Valid(); it.Next() {
		var h Host
		if err := json.Unmarshal(it.Value(), &h); err != nil {
			return nil, fmt.Errorf("decode host record %q: %w", it.Key(), err)
		}
		hosts = append(hosts, &h)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

// DeleteHost removes a host record along with its inventory snapshot.
// Deleting a missing host is a no-op.
func (s *Store) DeleteHost(lattice, hostID string) error {
	if err := s.db.Delete(hostKey(lattice, hostID)); err != nil {
		return fmt.Errorf("delete host %s: %w", hostID, err)
	}
	if err := s.db.Delete(inventoryKey(lattice, hostID)); err != nil {
		return fmt.Errorf("delete inventory for host %s: %w", hostID, err)
	}
	return nil
}

// PutClaims persists the claims snapshot for a lattice. Part of
// control.ClaimsStore.
func (s *Store) PutClaims(lattice string, claims map[string]control.Claims) error {
	data, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("encode claims snapshot: %w", err)
	}
	return s.db.Set(claimsKey(lattice), data)
}

// GetClaims returns the last claims snapshot for a lattice, or
// control.ErrNoSnapshot. Part of control.ClaimsStore.
func (s *Store) GetClaims(lattice string) (map[string]control.Claims, error) {
	data, err := s.db.Get(claimsKey(lattice))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, control.ErrNoSnapshot
		}
		return nil, fmt.Errorf("read claims snapshot: %w", err)
	}
	var claims map[string]control.Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("decode claims snapshot: %w", err)
	}
	return claims, nil
}

// PutInventory persists the inventory snapshot for one host. Part of
// control.InventoryStore.
func (s *Store) PutInventory(lattice, hostID string, inv *control.HostInventory) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode inventory snapshot for host %s: %w", hostID, err)
	}
	return s.db.Set(inventoryKey(lattice, hostID), data)
}

// GetInventory returns the last inventory snapshot for one host, or
// control.ErrNoSnapshot. Part of control.InventoryStore.
func (s *Store) GetInventory(lattice, hostID string) (*control.HostInventory, error) {
	data, err := s.db.Get(inventoryKey(lattice, hostID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, control.ErrNoSnapshot
		}
		return nil, fmt.Errorf("read inventory snapshot for host %s: %w", hostID, err)
	}
	var inv control.HostInventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("decode inventory snapshot for host %s: %w", hostID, err)
	}
	return &inv, nil
}
