// Package control queries the lattice control interface: the signed claims
// attached to actors and the live inventory of hosts. Hosts answer on
// request-reply subjects under "lattice.ctl.{lattice}".
//
// Control-interface data enriches state derived from events; it is never
// load-bearing. Cached sources keep the engine working through control-plane
// outages by serving the last good snapshot.
package control

import (
	"context"
	"errors"
)

const subjectPrefix = "lattice.ctl."

// ClaimsSubject returns the request subject for a lattice's claims.
func ClaimsSubject(lattice string) string {
	return subjectPrefix + lattice + ".get.claims"
}

// InventorySubject returns the request subject for one host's inventory.
func InventorySubject(lattice, hostID string) string {
	return subjectPrefix + lattice + ".get." + hostID + ".inv"
}

// CommandSubject returns the subject hosts watch for accepted commands of
// one kind.
func CommandSubject(lattice, kind string) string {
	return subjectPrefix + lattice + ".cmd." + kind
}

// Claims is the signed identity metadata for one actor.
type Claims struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Issuer       string   `json:"issuer,omitempty"`
}

// ActorDescription is one actor in a host inventory.
type ActorDescription struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	Count    int    `json:"count"`
}

// ProviderDescription is one capability provider in a host inventory.
type ProviderDescription struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
	ImageRef   string `json:"image_ref,omitempty"`
}

// HostInventory is the live running set of a single host as the host
// reports it.
type HostInventory struct {
	HostID    string                `json:"host_id"`
	Labels    map[string]string     `json:"labels,omitempty"`
	Actors    []ActorDescription    `json:"actors,omitempty"`
	Providers []ProviderDescription `json:"providers,omitempty"`
}

// ClaimsSource returns the claims for every actor known to a lattice,
// keyed by actor public key.
type ClaimsSource interface {
	Claims(ctx context.Context, lattice string) (map[string]Claims, error)
}

// InventorySource returns the live inventory of one host.
type InventorySource interface {
	Inventory(ctx context.Context, lattice, hostID string) (*HostInventory, error)
}

// ErrNoSnapshot is returned by stores when a lattice or host has no
// persisted snapshot yet.
var ErrNoSnapshot = errors.New("control: no cached snapshot")

// ClaimsStore persists the last successful claims snapshot per lattice.
type ClaimsStore interface {
	PutClaims(lattice string, claims map[string]Claims) error
	// GetClaims returns ErrNoSnapshot when the lattice has never been
	// snapshotted.
	GetClaims(lattice string) (map[string]Claims, error)
}

// InventoryStore persists the last successful inventory snapshot per host.
type InventoryStore interface {
	PutInventory(lattice, hostID string, inv *HostInventory) error
	// GetInventory returns ErrNoSnapshot when the host has never been
	// snapshotted.
	GetInventory(lattice, hostID string) (*HostInventory, error)
}
