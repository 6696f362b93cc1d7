// Package reliability provides the retry policies and circuit breaker used
// by the broker transports.
//
// The RabbitMQ connection manager draws its reconnection delays from a
// RetryPolicy, the RabbitMQ host retries topology declaration with Retry
// after a reconnection, and its outbound publishes go through a
// CircuitBreaker so a broker refusing publishes is not hammered by every
// bridge send.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(5 * time.Second),
//	)
//
//	err := cb.Execute(func() error {
//	    return publisher.Publish(ctx, "", queue, msg)
//	})
package reliability
