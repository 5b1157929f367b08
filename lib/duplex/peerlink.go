package duplex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// PeerLink tracks how to reach the remote peer: its directory key, the
// newest advertisement accepted for it and the route imported from that
// advertisement.
type PeerLink struct {
	net overlay.Network
	cfg *config.SessionConfig

	mu          sync.RWMutex
	remoteKey   overlay.DirectoryKey
	remoteNode  overlay.NodeIdentity
	adv         *wire.Advertisement
	resolved    overlay.RouteID
	hasResolved bool

	lookups *rate.Limiter

	lookupCount atomic.Uint64
	refreshed   atomic.Uint64
}

func newPeerLink(net overlay.Network, cfg *config.SessionConfig) *PeerLink {
	limit := rate.Inf
	if cfg.LookupInterval > 0 {
		limit = rate.Every(cfg.LookupInterval)
	}
	return &PeerLink{
		net:     net,
		cfg:     cfg,
		lookups: rate.NewLimiter(limit, cfg.LookupBurst),
	}
}

// Bind records the remote directory key. The first key wins; it reports
// false for a key that differs from the bound one. A zero node is ignored.
func (pl *PeerLink) Bind(key overlay.DirectoryKey, node overlay.NodeIdentity) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.remoteKey.IsZero() {
		pl.remoteKey = key
	} else if pl.remoteKey != key {
		return false
	}
	if pl.remoteNode.IsZero() && !node.IsZero() {
		pl.remoteNode = node
	}
	return true
}

// RemoteKey returns the bound remote directory key.
func (pl *PeerLink) RemoteKey() (overlay.DirectoryKey, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.remoteKey, !pl.remoteKey.IsZero()
}

// RemoteNode returns the remote identity learned from its envelopes.
func (pl *PeerLink) RemoteNode() overlay.NodeIdentity {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.remoteNode
}

// Known reports whether a remote advertisement has been accepted.
func (pl *PeerLink) Known() bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.adv != nil
}

// Advertisement returns a copy of the accepted remote advertisement.
func (pl *PeerLink) Advertisement() *wire.Advertisement {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.adv.Clone()
}

// Offer accepts adv if its version is greater than the last accepted one.
// A new route blob drops the resolved route.
func (pl *PeerLink) Offer(adv *wire.Advertisement) bool {
	if adv == nil || len(adv.RouteBlob) == 0 {
		return false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if !adv.NewerThan(pl.adv) {
		return false
	}
	if !adv.SameRoute(pl.adv) {
		pl.hasResolved = false
	}
	prev := uint64(0)
	if pl.adv != nil {
		prev = pl.adv.Version
	}
	pl.adv = adv.Clone()

	log.WithFields(logger.Fields{
		"at":          "(PeerLink) Offer",
		"version":     adv.Version,
		"old_version": prev,
	}).Debug("remote advertisement accepted")
	return true
}

// InvalidateRoutes drops the resolved route if it is among dead.
func (pl *PeerLink) InvalidateRoutes(dead []overlay.RouteID) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if !pl.hasResolved {
		return false
	}
	for _, id := range dead {
		if id == pl.resolved {
			pl.hasResolved = false
			log.WithField("route_id", id.String()).Debug("remote route died, resolution dropped")
			return true
		}
	}
	return false
}

func (pl *PeerLink) invalidate(id overlay.RouteID) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.hasResolved && pl.resolved == id {
		pl.hasResolved = false
	}
}

// resolve returns the imported route for the current advertisement,
// importing it on first use.
func (pl *PeerLink) resolve(ctx context.Context) (overlay.RouteID, error) {
	pl.mu.RLock()
	if pl.hasResolved {
		id := pl.resolved
		pl.mu.RUnlock()
		return id, nil
	}
	adv := pl.adv.Clone()
	pl.mu.RUnlock()

	if adv == nil {
		return overlay.RouteID{}, ErrNotLinked
	}

	opCtx, cancel := withTimeout(ctx, pl.cfg.OperationTimeout)
	defer cancel()
	id, err := pl.net.ImportRoute(opCtx, adv.RouteBlob)
	if err != nil {
		return overlay.RouteID{}, oops.Wrapf(err, "import remote route version %d", adv.Version)
	}

	pl.mu.Lock()
	// Keep the import only if nothing newer arrived meanwhile.
	if pl.adv != nil && pl.adv.Version == adv.Version {
		pl.resolved = id
		pl.hasResolved = true
	}
	pl.mu.Unlock()
	return id, nil
}

// Refresh looks the remote record up and accepts it if it is newer than the
// current advertisement. Lookups are rate limited.
func (pl *PeerLink) Refresh(ctx context.Context) (bool, error) {
	key, ok := pl.RemoteKey()
	if !ok {
		return false, ErrNotLinked
	}
	if err := pl.lookups.Wait(ctx); err != nil {
		return false, err
	}
	pl.lookupCount.Add(1)

	opCtx, cancel := withTimeout(ctx, pl.cfg.OperationTimeout)
	value, err := pl.net.LookupRecord(opCtx, key)
	cancel()
	if err != nil {
		return false, oops.Wrapf(err, "lookup %s", key)
	}
	adv, err := wire.UnmarshalAdvertisement(value)
	if err != nil {
		return false, oops.Wrapf(err, "remote record %s", key)
	}
	if !pl.Offer(adv) {
		return false, nil
	}
	pl.refreshed.Add(1)
	return true, nil
}

// Send makes one delivery attempt. On failure the resolved route is dropped
// and the directory consulted; if it holds a newer advertisement the send is
// retried once on the new route. Otherwise the peer is unreachable.
func (pl *PeerLink) Send(ctx context.Context, payload []byte) error {
	err := pl.sendResolved(ctx, payload)
	if err == nil || errors.Is(err, ErrNotLinked) || ctx.Err() != nil {
		return err
	}

	newer, lerr := pl.Refresh(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lerr != nil {
		log.WithError(lerr).Debug("remote advertisement lookup failed")
	}
	if newer {
		if err = pl.sendResolved(ctx, payload); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return oops.Wrapf(ErrPeerUnreachable, "%v", err)
}

func (pl *PeerLink) sendResolved(ctx context.Context, payload []byte) error {
	id, err := pl.resolve(ctx)
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(ctx, pl.cfg.OperationTimeout)
	defer cancel()
	if err := pl.net.Send(opCtx, id, payload); err != nil {
		pl.invalidate(id)
		log.WithFields(logger.Fields{
			"at":       "(PeerLink) Send",
			"route_id": id.String(),
		}).WithError(err).Debug("send to remote route failed")
		return err
	}
	return nil
}

// Lookups returns how many directory lookups were made and how many of
// them produced a newer advertisement.
func (pl *PeerLink) Lookups() (made, refreshed uint64) {
	return pl.lookupCount.Load(), pl.refreshed.Load()
}
