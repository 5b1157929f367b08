// Package memnet is an in-process overlay.Network.
//
// A Hub plays the role of the whole overlay: it owns the route registry and
// the directory. Each Node is one participant's handle onto the hub. Hooks on
// Node and Hub inject the failures real overlays produce (dead routes, failed
// allocations, duplicated deliveries, slow operations) so session behaviour
// can be exercised deterministically.
package memnet

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const routeBlobSize = 64

type routeEntry struct {
	owner     *Node
	blob      []byte
	dead      bool
	importers map[overlay.NodeIdentity]*Node
}

type record struct {
	owner  overlay.NodeIdentity
	value  []byte
	writes int
}

// Hub is a shared in-memory overlay.
type Hub struct {
	mu      sync.Mutex
	routes  map[overlay.RouteID]*routeEntry
	records map[overlay.DirectoryKey]*record
	nodes   map[overlay.NodeIdentity]*Node
	latency time.Duration
	closed  bool
}

// NewHub creates an empty overlay.
func NewHub() *Hub {
	return &Hub{
		routes:  make(map[overlay.RouteID]*routeEntry),
		records: make(map[overlay.DirectoryKey]*record),
		nodes:   make(map[overlay.NodeIdentity]*Node),
	}
}

// NewNode attaches a new participant with a random identity.
func (h *Hub) NewNode() (*Node, error) {
	var id overlay.NodeIdentity
	if _, err := rand.Read(id[:]); err != nil {
		return nil, oops.Wrapf(err, "failed to generate node identity")
	}
	n := &Node{
		hub:  h,
		id:   id,
		subs: make(map[*subscription]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, oops.Errorf("hub is closed")
	}
	h.nodes[id] = n
	log.WithFields(logger.Fields{
		"at":      "(Hub) NewNode",
		"node_id": id.String(),
		"nodes":   len(h.nodes),
	}).Debug("node attached")
	return n, nil
}

// SetLatency delays every network operation by d. Operations honour
// context cancellation while waiting.
func (h *Hub) SetLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = d
}

// KillRoute marks a route dead and notifies its owner and every node that
// imported it. Returns false if the route is unknown.
func (h *Hub) KillRoute(id overlay.RouteID) bool {
	h.mu.Lock()
	entry, ok := h.routes[id]
	if !ok || entry.dead {
		h.mu.Unlock()
		return false
	}
	entry.dead = true
	owner := entry.owner
	importers := make([]*Node, 0, len(entry.importers))
	for _, n := range entry.importers {
		importers = append(importers, n)
	}
	h.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":        "(Hub) KillRoute",
		"route_id":  id.String(),
		"owner":     owner.id.String(),
		"importers": len(importers),
	}).Debug("route killed")

	owner.deliver(overlay.Update{
		Kind:       overlay.UpdateRouteChange,
		DeadRoutes: []overlay.RouteID{id},
	})
	for _, n := range importers {
		n.deliver(overlay.Update{
			Kind:             overlay.UpdateRouteChange,
			DeadRemoteRoutes: []overlay.RouteID{id},
		})
	}
	return true
}

// KillNodeRoutes kills every live route owned by node and returns how many
// were killed.
func (h *Hub) KillNodeRoutes(node overlay.NodeIdentity) int {
	h.mu.Lock()
	var ids []overlay.RouteID
	for id, entry := range h.routes {
		if !entry.dead && entry.owner.id == node {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	killed := 0
	for _, id := range ids {
		if h.KillRoute(id) {
			killed++
		}
	}
	return killed
}

// RouteAlive reports whether id is registered and not dead.
func (h *Hub) RouteAlive(id overlay.RouteID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.routes[id]
	return ok && !entry.dead
}

// RouteCount returns the number of registered routes, dead or alive.
func (h *Hub) RouteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.routes)
}

// Record returns a copy of a directory value.
func (h *Hub) Record(key overlay.DirectoryKey) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[key]
	if !ok || rec.value == nil {
		return nil, false
	}
	return append([]byte(nil), rec.value...), true
}

// RecordWrites returns how many times a record was published.
func (h *Hub) RecordWrites(key overlay.DirectoryKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.records[key]; ok {
		return rec.writes
	}
	return 0
}

// Close shuts every subscription of every node.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	nodes := make([]*Node, 0, len(h.nodes))
	for _, n := range h.nodes {
		nodes = append(nodes, n)
	}
	h.mu.Unlock()

	for _, n := range nodes {
		n.closeSubscriptions()
	}
}

func (h *Hub) wait(ctx context.Context) error {
	h.mu.Lock()
	d := h.latency
	h.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
