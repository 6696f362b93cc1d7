// Package bridge brokers debugging messages between the editor and every
// running preview.
//
// A Bridge unifies two transports behind one API:
//   - the windowed transport, holding at most one embedded preview frame
//     under the reserved id contracts.EmbeddedGameFrameID
//   - the channel transport, reaching previews spawned as separate processes
//     through a host-provided duplex channel
//
// Key features:
//   - Bounded startup: Start waits for the host channel at most StartTimeout
//   - One-way sends to one endpoint or to all of them
//   - Correlated requests broadcast to every endpoint, settled by the first
//     matching reply or by RequestTimeout
//   - Lifecycle and message events broadcast to every registered observer
//
// Basic usage:
//
//	b := bridge.New(host, bridge.WithLogger(logger))
//	unregister := b.RegisterCallbacks(messaging.Observer{
//	    OnMessage: func(ev messaging.MessageEvent) { ... },
//	})
//	defer unregister()
//
//	if err := b.Start(ctx, bridge.StartOptions{Origin: "https://editor.example"}); err != nil {
//	    // previews still run, without debugging support
//	}
//	reply, err := b.SendMessageWithResponse(ctx, contracts.MustMessage(contracts.Ping{}))
package bridge
