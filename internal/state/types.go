package state

import (
	"time"

	"github.com/rzbill/weft/internal/event"
)

// Host is the durable record of one lattice host. Heartbeats refresh the
// whole record; start/stop events adjust the pieces they name.
type Host struct {
	ID            string            `json:"id"`
	FriendlyName  string            `json:"friendly_name,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds uint64            `json:"uptime_seconds,omitempty"`
	// Actors maps actor public keys to running instance counts.
	Actors    map[string]int      `json:"actors,omitempty"`
	Providers []event.ProviderRef `json:"providers,omitempty"`
	LastSeen  time.Time           `json:"last_seen"`
}
