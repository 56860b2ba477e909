// Package queue provides the engine's message queue implementations. The
// contract is at-least-once delivery with a visibility timeout: a polled
// message is hidden from other consumers for a configured duration and
// comes back, semantically identical, if the worker that polled it never
// acks. Messages redelivered past a maximum attempt count are moved to a
// dead-letter list instead of being retried forever.
//
// The in-memory implementation here is the reference transport the engine
// runs and tests against; a production deployment satisfies the same
// interface with a managed queue.
package queue
