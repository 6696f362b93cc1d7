// Package rabbitmq holds the broker link used by the AMQP preview host.
//
// This package includes:
//   - ConnectionManager: dials the broker and reconnects with backoff
//   - Topology: the exchange, queue and binding declarations of the host
//   - Publisher: serialized publishing on a dedicated channel
//   - Consumer: delivery loop over a queue with explicit acknowledgment
//
// Connection and Channel are the subsets of amqp091-go the package relies
// on, so the host can be exercised against in-memory fakes.
package rabbitmq
