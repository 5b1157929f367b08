package memnet

import (
	"context"
	"sync"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Node is one participant's handle onto a Hub. It implements overlay.Network.
type Node struct {
	hub *Hub
	id  overlay.NodeIdentity

	mu           sync.Mutex
	subs         map[*subscription]struct{}
	allocateHook func() error
	publishHook  func(key overlay.DirectoryKey) error
	lookupHook   func(key overlay.DirectoryKey) error
	sendHook     func(target overlay.RouteID) error
	duplicate    bool
	released     int
}

var _ overlay.Network = (*Node)(nil)

// SetAllocateHook installs fn to run before every route allocation; a non-nil
// error fails the allocation with overlay.ErrAllocationFailed.
func (n *Node) SetAllocateHook(fn func() error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allocateHook = fn
}

// SetPublishHook installs fn to run before every record write.
func (n *Node) SetPublishHook(fn func(key overlay.DirectoryKey) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishHook = fn
}

// SetLookupHook installs fn to run before every record read.
func (n *Node) SetLookupHook(fn func(key overlay.DirectoryKey) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookupHook = fn
}

// SetSendHook installs fn to run before every send from this node.
func (n *Node) SetSendHook(fn func(target overlay.RouteID) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendHook = fn
}

// SetDuplicateDelivery makes every message sent by this node arrive twice.
func (n *Node) SetDuplicateDelivery(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = on
}

// Released returns how many routes this node has released.
func (n *Node) Released() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.released
}

// Inject delivers u to this node's subscribers as if it came from the network.
func (n *Node) Inject(u overlay.Update) {
	n.deliver(u)
}

func (n *Node) NodeID() overlay.NodeIdentity {
	return n.id
}

func (n *Node) AllocateRoute(ctx context.Context) (*overlay.Route, error) {
	if err := n.hub.wait(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	hook := n.allocateHook
	n.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return nil, oops.Wrapf(overlay.ErrAllocationFailed, "%s", err.Error())
		}
	}

	blob := make([]byte, routeBlobSize)
	if _, err := rand.Read(blob); err != nil {
		return nil, oops.Wrapf(overlay.ErrAllocationFailed, "route blob: %s", err.Error())
	}
	id := overlay.RouteIDFromBlob(blob)

	n.hub.mu.Lock()
	n.hub.routes[id] = &routeEntry{
		owner:     n,
		blob:      blob,
		importers: make(map[overlay.NodeIdentity]*Node),
	}
	n.hub.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":       "(Node) AllocateRoute",
		"node_id":  n.id.String(),
		"route_id": id.String(),
	}).Debug("route allocated")
	return &overlay.Route{ID: id, Blob: append([]byte(nil), blob...)}, nil
}

func (n *Node) ReleaseRoute(ctx context.Context, id overlay.RouteID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.hub.mu.Lock()
	entry, ok := n.hub.routes[id]
	if !ok {
		n.hub.mu.Unlock()
		return oops.Wrapf(overlay.ErrUnknownRoute, "release %s", id)
	}
	if entry.owner != n {
		n.hub.mu.Unlock()
		return oops.Errorf("route %s is not owned by node %s", id, n.id)
	}
	delete(n.hub.routes, id)
	n.hub.mu.Unlock()

	n.mu.Lock()
	n.released++
	n.mu.Unlock()
	return nil
}

func (n *Node) ImportRoute(ctx context.Context, blob []byte) (overlay.RouteID, error) {
	if err := n.hub.wait(ctx); err != nil {
		return overlay.RouteID{}, err
	}
	id := overlay.RouteIDFromBlob(blob)

	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	entry, ok := n.hub.routes[id]
	if !ok {
		return overlay.RouteID{}, oops.Wrapf(overlay.ErrUnknownRoute, "import %s", id)
	}
	entry.importers[n.id] = n
	return id, nil
}

func (n *Node) CreateRecord(ctx context.Context) (overlay.DirectoryKey, error) {
	if err := n.hub.wait(ctx); err != nil {
		return overlay.DirectoryKey{}, err
	}
	var key overlay.DirectoryKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, oops.Wrapf(overlay.ErrDirectoryUnavailable, "record key: %s", err.Error())
	}

	n.hub.mu.Lock()
	n.hub.records[key] = &record{owner: n.id}
	n.hub.mu.Unlock()
	return key, nil
}

func (n *Node) PublishRecord(ctx context.Context, key overlay.DirectoryKey, value []byte) error {
	if err := n.hub.wait(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	hook := n.publishHook
	n.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return oops.Wrapf(overlay.ErrDirectoryUnavailable, "%s", err.Error())
		}
	}

	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	rec, ok := n.hub.records[key]
	if !ok {
		return oops.Wrapf(overlay.ErrRecordNotFound, "publish %s", key)
	}
	if rec.owner != n.id {
		return oops.Wrapf(overlay.ErrNotRecordOwner, "publish %s", key)
	}
	rec.value = append([]byte(nil), value...)
	rec.writes++
	return nil
}

func (n *Node) LookupRecord(ctx context.Context, key overlay.DirectoryKey) ([]byte, error) {
	if err := n.hub.wait(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	hook := n.lookupHook
	n.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return nil, oops.Wrapf(overlay.ErrDirectoryUnavailable, "%s", err.Error())
		}
	}

	value, ok := n.hub.Record(key)
	if !ok {
		return nil, oops.Wrapf(overlay.ErrRecordNotFound, "lookup %s", key)
	}
	return value, nil
}

func (n *Node) Send(ctx context.Context, target overlay.RouteID, payload []byte) error {
	if err := n.hub.wait(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	hook := n.sendHook
	duplicate := n.duplicate
	n.mu.Unlock()
	if hook != nil {
		if err := hook(target); err != nil {
			return err
		}
	}

	n.hub.mu.Lock()
	entry, ok := n.hub.routes[target]
	var owner *Node
	dead := false
	if ok {
		owner = entry.owner
		dead = entry.dead
	}
	n.hub.mu.Unlock()

	if !ok {
		return oops.Wrapf(overlay.ErrUnknownRoute, "send to %s", target)
	}
	if dead {
		return oops.Wrapf(overlay.ErrRouteDead, "send to %s", target)
	}

	u := overlay.Update{
		Kind:    overlay.UpdateMessage,
		Route:   target,
		Payload: append([]byte(nil), payload...),
	}
	owner.deliver(u)
	if duplicate {
		owner.deliver(u)
	}
	return nil
}

func (n *Node) Subscribe() (overlay.Subscription, error) {
	n.hub.mu.Lock()
	closed := n.hub.closed
	n.hub.mu.Unlock()
	if closed {
		return nil, oops.Errorf("hub is closed")
	}

	s := newSubscription(n)
	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	go s.pump()
	return s, nil
}

func (n *Node) deliver(u overlay.Update) {
	n.mu.Lock()
	subs := make([]*subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.push(u)
	}
}

func (n *Node) removeSubscription(s *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, s)
}

func (n *Node) closeSubscriptions() {
	n.mu.Lock()
	subs := make([]*subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
