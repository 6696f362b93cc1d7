// Package contracts defines the wire types exchanged between the editor and
// running previews.
//
// This package defines:
//   - Message: the JSON unit carried by every transport (command, payload,
//     optional correlation id)
//   - Command: a typed view of a Message, one variant per known command plus
//     an Unknown fallback
//   - EndpointID, ServerState and ServerAddress: the identifiers and state
//     values reported by the bridge
//
// Inbound bytes enter the system only through ParseMessage, which rejects
// malformed data before it reaches any handler.
package contracts
