package control

import (
	"context"
	"errors"
	"fmt"

	logpkg "github.com/rzbill/weft/pkg/log"
)

// CachedClaimsSource decorates a ClaimsSource with a persisted snapshot.
// Successful queries refresh the snapshot; failed queries fall back to it so
// a control-plane outage degrades to stale data instead of an error. Only a
// failure with no snapshot at all surfaces to the caller.
type CachedClaimsSource struct {
	source ClaimsSource
	store  ClaimsStore
	logger logpkg.Logger
}

// NewCachedClaimsSource wraps source with snapshot fallback backed by store.
func NewCachedClaimsSource(source ClaimsSource, store ClaimsStore) *CachedClaimsSource {
	return NewCachedClaimsSourceWithLogger(source, store, nil)
}

// NewCachedClaimsSourceWithLogger is NewCachedClaimsSource with a
// caller-provided logger.
func NewCachedClaimsSourceWithLogger(source ClaimsSource, store ClaimsStore, logger logpkg.Logger) *CachedClaimsSource {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &CachedClaimsSource{
		source: source,
		store:  store,
		logger: logger.With(logpkg.Component("control")),
	}
}

// Claims queries the live source, persisting the result on success and
// serving the last snapshot on failure.
func (c *CachedClaimsSource) Claims(ctx context.Context, lattice string) (map[string]Claims, error) {
	claims, err := c.source.Claims(ctx, lattice)
	if err == nil {
		if perr := c.store.PutClaims(lattice, claims); perr != nil {
			c.logger.Warn("control.claims_snapshot_write_failed",
				logpkg.Str("lattice", lattice),
				logpkg.Err(perr))
		}
		return claims, nil
	}

	cached, cerr := c.store.GetClaims(lattice)
	if cerr != nil {
		if errors.Is(cerr, ErrNoSnapshot) {
			return nil, fmt.Errorf("query claims for %s: %w", lattice, err)
		}
		return nil, fmt.Errorf("read cached claims for %s: %w", lattice, cerr)
	}
	c.logger.Warn("control.claims_query_failed",
		logpkg.Str("lattice", lattice),
		logpkg.Int("cached_actors", len(cached)),
		logpkg.Err(err))
	return cached, nil
}

// CachedInventorySource decorates an InventorySource the same way
// CachedClaimsSource decorates claims.
type CachedInventorySource struct {
	source InventorySource
	store  InventoryStore
	logger logpkg.Logger
}

// NewCachedInventorySource wraps source with snapshot fallback backed by
// store.
func NewCachedInventorySource(source InventorySource, store InventoryStore) *CachedInventorySource {
	return NewCachedInventorySourceWithLogger(source, store, nil)
}

// NewCachedInventorySourceWithLogger is NewCachedInventorySource with a
// caller-provided logger.
func NewCachedInventorySourceWithLogger(source InventorySource, store InventoryStore, logger logpkg.Logger) *CachedInventorySource {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &CachedInventorySource{
		source: source,
		store:  store,
		logger: logger.With(logpkg.Component("control")),
	}
}

// Inventory queries the live source, persisting the result on success and
// serving the last snapshot on failure.
func (c *CachedInventorySource) Inventory(ctx context.Context, lattice, hostID string) (*HostInventory, error) {
	inv, err := c.source.Inventory(ctx, lattice, hostID)
	if err == nil {
		if perr := c.store.PutInventory(lattice, hostID, inv); perr != nil {
			c.logger.Warn("control.inventory_snapshot_write_failed",
				logpkg.Str("lattice", lattice),
				logpkg.Str("host_id", hostID),
				logpkg.Err(perr))
		}
		return inv, nil
	}

	cached, cerr := c.store.GetInventory(lattice, hostID)
	if cerr != nil {
		if errors.Is(cerr, ErrNoSnapshot) {
			return nil, fmt.Errorf("query inventory for host %s: %w", hostID, err)
		}
		return nil, fmt.Errorf("read cached inventory for host %s: %w", hostID, cerr)
	}
	c.logger.Warn("control.inventory_query_failed",
		logpkg.Str("lattice", lattice),
		logpkg.Str("host_id", hostID),
		logpkg.Err(err))
	return cached, nil
}
