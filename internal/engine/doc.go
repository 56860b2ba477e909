// Package engine implements the execution engine that drives pipelines and
// orchestrations forward: it owns stage and task lifecycle, synthetic-stage
// expansion, DAG progression with joins, parallel branch fan-out, loop
// (rolling-push) semantics, restart, cancellation, and execution completion.
//
// The engine is a distributed state machine whose transitions are triggered
// by messages popped off a queue (internal/queue). Every handler loads an
// Execution from a store (internal/store), mutates it, writes it back, and
// enqueues follow-up messages. Handlers are idempotent: redelivery under
// worker crash must leave the execution in the same state it would have
// reached with exactly-once delivery.
package engine
