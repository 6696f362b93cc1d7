// Package messaging holds the transports and the observer registry the
// bridge routes preview traffic through.
//
// Two transports carry messages to previews:
//   - WindowTransport: the single embedded frame, reached through a FramePoster
//     and gated by the configured origin
//   - ChannelTransport: every preview connected through a HostChannel, such as
//     the WebSocket or RabbitMQ hosts
//
// ObserverRegistry fans bridge events out to every registered Observer.
// Delivery is synchronous, in registration order, and a panicking observer
// does not keep the others from being notified.
//
// Example usage:
//
//	registry := messaging.NewObserverRegistry(messaging.WithObserverLogger(logger))
//	unregister := registry.Register(messaging.Observer{
//		OnMessage: func(ev messaging.MessageEvent) {
//			logger.Info("preview message", "debuggerId", ev.ID, "command", ev.Message.Command)
//		},
//	})
//	defer unregister()
package messaging
