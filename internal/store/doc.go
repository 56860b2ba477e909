// Package store provides the engine's execution store implementations: an
// in-memory store for unit tests and a durable JSON file store for running
// the engine end-to-end from the CLI without an external database.
//
// Both satisfy engine.Store. The store is the single authority over
// execution state; it hands out deep copies so handlers never alias each
// other's mutations, and its compare-and-set operations arbitrate status
// races between workers.
package store
