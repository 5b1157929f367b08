package overlay

import (
	"context"
	"errors"
	"strings"

	"github.com/go-i2p/common/base32"
	"github.com/go-i2p/common/data"
	"github.com/samber/oops"
)

var (
	// ErrAllocationFailed is returned when the route layer cannot produce a route.
	ErrAllocationFailed = errors.New("route allocation failed")
	// ErrRouteDead is returned when sending towards a route that has expired.
	ErrRouteDead = errors.New("route is dead")
	// ErrUnknownRoute is returned for route ids or blobs the network does not know.
	ErrUnknownRoute = errors.New("unknown route")
	// ErrRecordNotFound is returned by LookupRecord for keys with no value.
	ErrRecordNotFound = errors.New("directory record not found")
	// ErrNotRecordOwner is returned when a node writes a record it did not create.
	ErrNotRecordOwner = errors.New("not the directory record owner")
	// ErrDirectoryUnavailable covers transient directory failures.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// NodeIdentity is the overlay identity of a node.
type NodeIdentity data.Hash

// RouteID identifies a private route, local or imported.
type RouteID data.Hash

// DirectoryKey is the address of a record in the shared directory.
type DirectoryKey data.Hash

// Route is a locally allocated private route. Blob is what a remote peer
// imports to reach it.
type Route struct {
	ID   RouteID
	Blob []byte
}

// RouteIDFromBlob derives the id the network assigns to a route blob.
func RouteIDFromBlob(blob []byte) RouteID {
	return RouteID(data.HashData(blob))
}

func (id NodeIdentity) String() string { return shortB32(data.Hash(id)) }

func (id NodeIdentity) IsZero() bool { return id == NodeIdentity{} }

func (id RouteID) String() string { return shortB32(data.Hash(id)) }

func (id RouteID) IsZero() bool { return id == RouteID{} }

// String returns the full lowercase base32 form, suitable for handing to an
// operator and reading back with ParseDirectoryKey.
func (k DirectoryKey) String() string {
	return strings.TrimRight(base32.EncodeToString(k[:]), "=")
}

func (k DirectoryKey) IsZero() bool { return k == DirectoryKey{} }

// ParseDirectoryKey parses the output of DirectoryKey.String.
func ParseDirectoryKey(s string) (DirectoryKey, error) {
	var key DirectoryKey
	s = strings.ToLower(strings.TrimSpace(s))
	if rem := len(s) % 8; rem != 0 {
		s += strings.Repeat("=", 8-rem)
	}
	raw, err := base32.DecodeString(s)
	if err != nil {
		return key, oops.Wrapf(err, "invalid directory key")
	}
	if len(raw) != len(key) {
		return key, oops.Errorf("invalid directory key length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func shortB32(h data.Hash) string {
	s := strings.TrimRight(base32.EncodeToString(h[:]), "=")
	return s[:12]
}

// UpdateKind distinguishes the updates delivered on a Subscription.
type UpdateKind int

const (
	// UpdateMessage carries an inbound payload received on a local route.
	UpdateMessage UpdateKind = iota
	// UpdateRouteChange reports routes the network considers dead.
	UpdateRouteChange
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessage:
		return "message"
	case UpdateRouteChange:
		return "route_change"
	default:
		return "unknown"
	}
}

// Update is a single event from the overlay.
type Update struct {
	Kind UpdateKind

	// Route is the local route an UpdateMessage arrived on.
	Route   RouteID
	Payload []byte

	// DeadRoutes lists local routes that died; DeadRemoteRoutes lists
	// imported routes that died.
	DeadRoutes       []RouteID
	DeadRemoteRoutes []RouteID
}

// Subscription is a stream of updates for one consumer. Updates is closed
// after Close or when the network shuts down.
type Subscription interface {
	Updates() <-chan Update
	Close()
}

// Network is the overlay capability set consumed by duplex sessions.
// Implementations must be safe for concurrent use.
type Network interface {
	// NodeID returns the immutable identity of this node.
	NodeID() NodeIdentity

	// AllocateRoute creates a new private route owned by this node.
	AllocateRoute(ctx context.Context) (*Route, error)
	// ReleaseRoute gives a local route back to the network.
	ReleaseRoute(ctx context.Context, id RouteID) error
	// ImportRoute makes a remote route blob usable as a send target.
	ImportRoute(ctx context.Context, blob []byte) (RouteID, error)

	// CreateRecord allocates a directory record owned by this node.
	CreateRecord(ctx context.Context) (DirectoryKey, error)
	// PublishRecord overwrites the value of a record owned by this node.
	PublishRecord(ctx context.Context, key DirectoryKey, value []byte) error
	// LookupRecord fetches the latest value of a record.
	LookupRecord(ctx context.Context, key DirectoryKey) ([]byte, error)

	// Send delivers payload to an imported route.
	Send(ctx context.Context, target RouteID, payload []byte) error

	// Subscribe opens a new update stream for this node.
	Subscribe() (Subscription, error)
}
