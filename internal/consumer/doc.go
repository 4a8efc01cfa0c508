// Package consumer implements weft's concurrency-bounded stream consumption
// engine: per-lattice pull loops over durable work-queue consumers, gated by
// one shared permit pool.
//
// # Lifecycle
//
// A Manager is bound to one stream and one Pool. AddForLattice registers a
// durable consumer for a subject and starts its pull loop; RemoveForLattice
// tears the loop down; Stop drains everything. Each loop pulls the next
// delivery, acquires a pool permit (blocking - this is the engine's global
// backpressure), decodes the payload, and dispatches the worker on its own
// goroutine, so handling overlaps across messages and lattices up to the
// pool's capacity.
//
// # Message fate
//
// Workers receive a ScopedMessage and decide its fate: Ack deletes it, Nack
// redelivers it promptly, Term deletes it without success semantics, and
// returning without any of those abandons it to the broker's ack-wait
// redelivery. Finalization happens at most once per delivery; later attempts
// return ErrAlreadyFinalized and reach no broker. The permit attached to a
// message is released exactly once when its dispatch ends, whatever path the
// worker took.
//
// # Delivery expectations
//
// The broker contract is at-least-once: the same message id can arrive again
// after an ack-wait timeout, a nack, or a crash. Workers must be idempotent.
// Completion order across in-flight dispatches is not defined even within
// one lattice.
package consumer
