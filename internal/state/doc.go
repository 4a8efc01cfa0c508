// Package state persists weft's view of each lattice: host records derived
// from events, plus the last control-plane snapshots (claims per lattice,
// inventory per host). Values are JSON under path-style keys; Pebble is the
// storage engine.
//
// The store implements control.ClaimsStore and control.InventoryStore, so
// the cached control-plane sources survive restarts.
package state
