// Package overlay defines the contract between duplex sessions and the
// anonymizing overlay network they run on.
//
// The overlay provides:
//   - Private routes: ephemeral inbound paths identified by an opaque blob
//   - A shared directory (DHT) of owner-writable records
//   - Encrypted point-to-point delivery towards an imported route
//   - An update stream carrying inbound messages and route-death notices
//
// Nothing in this package talks to a real network. A Network implementation
// is supplied by the embedding application; lib/overlay/memnet provides an
// in-process implementation used by tests and the loopback command.
//
// # Concurrency
//
// A Network value is a process-wide handle. Implementations must be safe for
// concurrent use by any number of sessions, and every Subscription receives
// every update addressed to the node; sessions filter by the routes they own.
package overlay
