package duplex

import (
	"errors"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrPeerUnreachable is returned by Send once the delivery retry budget
	// is spent. The session stays usable; the caller may retry.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrRouteExhausted is the fatal condition raised when no replacement
	// route could be allocated and published within the retry budget.
	ErrRouteExhausted = errors.New("route retry budget exhausted")
	// ErrSessionClosed is returned by every operation after teardown.
	ErrSessionClosed = errors.New("session closed")
	// ErrPayloadTooLarge is returned when an envelope would exceed the
	// configured maximum size.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrNotLinked is returned by PeerLink while no remote advertisement is known.
	ErrNotLinked = errors.New("remote peer not linked")
)
