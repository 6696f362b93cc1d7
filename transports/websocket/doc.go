// Package websocket implements the preview host channel over WebSocket.
//
// Previews running as separate processes dial the root path and become
// channel endpoints with a generated id. The embedded preview view dials
// /embedded and is relayed to the bridge as its embedded game frame.
// Additional routes such as /healthz or /metrics are mounted with WithRoutes.
package websocket
