package duplex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"
)

// RouteState is the lifecycle state of the local route.
type RouteState int

const (
	RouteNone RouteState = iota
	RouteActive
	RouteRecovering
	// RouteExhausted is terminal: the retry budget ran out.
	RouteExhausted
)

func (s RouteState) String() string {
	switch s {
	case RouteNone:
		return "no_route"
	case RouteActive:
		return "active"
	case RouteRecovering:
		return "recovering"
	case RouteExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// retiredRoutes is how many replaced local routes stay recognised for
// traffic still in flight towards them.
const retiredRoutes = 4

// deadMemory is how many death notices for routes that were not active yet
// are remembered. A fresh route can die between allocation and activation.
const deadMemory = 32

// RouteManager owns the local route and the advertisement published for it.
type RouteManager struct {
	net   overlay.Network
	cfg   *config.SessionConfig
	state *sessionState

	// ctx is the session lifetime; recovery runs under it, never under a
	// caller's context, because its result is shared.
	ctx context.Context

	publishMu sync.Mutex
	version   uint64
	closed    bool

	mu           sync.RWMutex
	routeState   RouteState
	route        *overlay.Route
	retired      []overlay.RouteID
	deadSeen     []overlay.RouteID
	currentDead  bool
	sendFailures int
	recoveries   uint64

	group singleflight.Group

	// onTransition observes state changes; set before use.
	onTransition func(from, to RouteState)
}

func newRouteManager(ctx context.Context, net overlay.Network, cfg *config.SessionConfig, state *sessionState) *RouteManager {
	return &RouteManager{
		net:   net,
		cfg:   cfg,
		state: state,
		ctx:   ctx,
	}
}

// State returns the current lifecycle state.
func (rm *RouteManager) State() RouteState {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.routeState
}

// Version returns the version of the newest publish attempt.
func (rm *RouteManager) Version() uint64 {
	rm.publishMu.Lock()
	defer rm.publishMu.Unlock()
	return rm.version
}

// Recoveries returns how many times the local route was replaced.
func (rm *RouteManager) Recoveries() uint64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.recoveries
}

// Current returns the id of the active local route.
func (rm *RouteManager) Current() (overlay.RouteID, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.route == nil {
		return overlay.RouteID{}, false
	}
	return rm.route.ID, true
}

// Owns reports whether id is the active local route or one recently replaced.
func (rm *RouteManager) Owns(id overlay.RouteID) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.route != nil && rm.route.ID == id {
		return true
	}
	for _, r := range rm.retired {
		if r == id {
			return true
		}
	}
	return false
}

func (rm *RouteManager) setStateLocked(to RouteState) {
	from := rm.routeState
	if from == to {
		return
	}
	rm.routeState = to
	log.WithFields(logger.Fields{
		"at":   "(RouteManager) setState",
		"from": from.String(),
		"to":   to.String(),
	}).Debug("route state changed")
	if rm.onTransition != nil {
		rm.onTransition(from, to)
	}
}

// Establish creates the session's directory record and brings the manager
// from RouteNone to RouteActive. ctx bounds the whole operation.
func (rm *RouteManager) Establish(ctx context.Context) error {
	key, err := rm.createRecord(ctx)
	if err != nil {
		rm.giveUp(err)
		return err
	}
	rm.state.setLocalKey(key)

	route, err := rm.activate(ctx, nil)
	if err != nil {
		rm.giveUp(err)
		return err
	}

	log.WithFields(logger.Fields{
		"at":            "(RouteManager) Establish",
		"route_id":      route.ID.String(),
		"directory_key": key.String(),
		"version":       rm.Version(),
	}).Info("local route established")
	return nil
}

func (rm *RouteManager) createRecord(ctx context.Context) (overlay.DirectoryKey, error) {
	var lastErr error
	for attempt := 0; attempt < attempts(rm.cfg.RouteRetry); attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(rm.cfg.RouteRetry, attempt-1)); err != nil {
				return overlay.DirectoryKey{}, err
			}
		}
		opCtx, cancel := withTimeout(ctx, rm.cfg.OperationTimeout)
		key, err := rm.net.CreateRecord(opCtx)
		cancel()
		if err == nil {
			return key, nil
		}
		if ctx.Err() != nil {
			return overlay.DirectoryKey{}, ctx.Err()
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("directory record creation failed")
	}
	return overlay.DirectoryKey{}, oops.Wrapf(ErrRouteExhausted, "create directory record: %v", lastErr)
}

// acquire allocates a route and publishes it, retrying each step with
// backoff until the RouteRetry budget is spent. A route allocated but never
// published is released before giving up.
func (rm *RouteManager) acquire(ctx context.Context) (*overlay.Route, error) {
	var (
		fresh   *overlay.Route
		lastErr error
	)
	budget := attempts(rm.cfg.RouteRetry)
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(rm.cfg.RouteRetry, attempt-1)); err != nil {
				rm.discard(fresh)
				return nil, err
			}
		}

		if fresh == nil {
			opCtx, cancel := withTimeout(ctx, rm.cfg.OperationTimeout)
			route, err := rm.net.AllocateRoute(opCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastErr = err
				log.WithFields(logger.Fields{
					"at":      "(RouteManager) acquire",
					"attempt": attempt + 1,
					"budget":  budget,
				}).WithError(err).Warn("route allocation failed")
				continue
			}
			fresh = route
		}

		if err := rm.publish(ctx, fresh); err != nil {
			if ctx.Err() != nil {
				rm.discard(fresh)
				return nil, ctx.Err()
			}
			lastErr = err
			log.WithFields(logger.Fields{
				"at":       "(RouteManager) acquire",
				"attempt":  attempt + 1,
				"budget":   budget,
				"route_id": fresh.ID.String(),
			}).WithError(err).Warn("advertisement publish failed")
			continue
		}
		return fresh, nil
	}
	rm.discard(fresh)
	return nil, oops.Wrapf(ErrRouteExhausted, "%d attempts: %v", budget, lastErr)
}

// activate acquires a route and installs it as the active one. The check
// against death notices and the install happen under one lock, so a notice
// for the new route is either seen here or handled as an active-route death.
// A route that already died is released and replaced, within the RouteRetry
// budget. onInstall runs under rm.mu together with the install.
func (rm *RouteManager) activate(ctx context.Context, onInstall func()) (*overlay.Route, error) {
	budget := attempts(rm.cfg.RouteRetry)
	for round := 1; ; round++ {
		fresh, err := rm.acquire(ctx)
		if err != nil {
			return nil, err
		}

		rm.mu.Lock()
		if !rm.takeDeadLocked(fresh.ID) {
			rm.route = fresh
			rm.currentDead = false
			if onInstall != nil {
				onInstall()
			}
			rm.setStateLocked(RouteActive)
			rm.mu.Unlock()
			return fresh, nil
		}
		rm.mu.Unlock()

		log.WithFields(logger.Fields{
			"at":       "(RouteManager) activate",
			"route_id": fresh.ID.String(),
			"round":    round,
			"budget":   budget,
		}).Warn("fresh route died before activation")
		rm.discard(fresh)
		if round >= budget {
			return nil, oops.Wrapf(ErrRouteExhausted, "%d fresh routes died before activation", round)
		}
	}
}

// takeDeadLocked reports whether a death notice for id arrived earlier and
// forgets it.
func (rm *RouteManager) takeDeadLocked(id overlay.RouteID) bool {
	for i, d := range rm.deadSeen {
		if d == id {
			rm.deadSeen = append(rm.deadSeen[:i], rm.deadSeen[i+1:]...)
			return true
		}
	}
	return false
}

// publish writes an advertisement for route with a fresh version. Publishes
// are serialized and the version is bumped under the same lock, so a lower
// version can never be written after a higher one. Failed attempts consume
// their version too.
func (rm *RouteManager) publish(ctx context.Context, route *overlay.Route) error {
	rm.publishMu.Lock()
	defer rm.publishMu.Unlock()
	if rm.closed {
		return ErrSessionClosed
	}

	rm.version++
	adv := &wire.Advertisement{RouteBlob: route.Blob, Version: rm.version}
	value, err := wire.MarshalAdvertisement(adv)
	if err != nil {
		return err
	}

	key := rm.state.LocalKey()
	opCtx, cancel := withTimeout(ctx, rm.cfg.OperationTimeout)
	defer cancel()
	if err := rm.net.PublishRecord(opCtx, key, value); err != nil {
		return oops.Wrapf(err, "publish version %d", adv.Version)
	}
	rm.state.setLocalAdvertisement(adv)

	log.WithFields(logger.Fields{
		"at":       "(RouteManager) publish",
		"route_id": route.ID.String(),
		"version":  adv.Version,
	}).Debug("advertisement published")
	return nil
}

// discard releases a route that never became active.
func (rm *RouteManager) discard(route *overlay.Route) {
	if route == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rm.cfg.ReleaseTimeout)
	defer cancel()
	if err := rm.net.ReleaseRoute(ctx, route.ID); err != nil {
		log.WithError(err).WithField("route_id", route.ID.String()).Debug("failed to release unused route")
	}
}

func (rm *RouteManager) giveUp(err error) {
	if !errors.Is(err, ErrRouteExhausted) {
		return
	}
	rm.mu.Lock()
	rm.setStateLocked(RouteExhausted)
	rm.mu.Unlock()
}

// Recover replaces the local route. Concurrent calls share one attempt and
// run in the callers' goroutines, so joining the callers joins the work.
// It returns the version of the new advertisement, or ErrRouteExhausted
// once the budget is spent; the manager then stays RouteExhausted.
//
// A caller that joined an attempt whose new route has since died starts
// another one instead of returning a dead route.
func (rm *RouteManager) Recover(reason string) (uint64, error) {
	budget := attempts(rm.cfg.RouteRetry)
	for round := 1; ; round++ {
		v, err, _ := rm.group.Do("recover", func() (interface{}, error) {
			return rm.recover(reason)
		})
		if err != nil {
			return 0, err
		}
		if !rm.CurrentDead() {
			return v.(uint64), nil
		}
		if round >= budget {
			err := oops.Wrapf(ErrRouteExhausted, "replacement routes kept dying after %d rounds", round)
			rm.giveUp(err)
			return 0, err
		}
		reason = "replacement route died"
	}
}

// CurrentDead reports whether the active route was reported dead and not
// replaced yet.
func (rm *RouteManager) CurrentDead() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.currentDead
}

func (rm *RouteManager) recover(reason string) (uint64, error) {
	rm.mu.Lock()
	switch rm.routeState {
	case RouteExhausted:
		rm.mu.Unlock()
		return 0, ErrRouteExhausted
	case RouteNone:
		rm.mu.Unlock()
		return 0, oops.Errorf("no route to recover")
	}
	old := rm.route
	rm.setStateLocked(RouteRecovering)
	rm.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(RouteManager) recover",
		"reason": reason,
	}).Warn("replacing local route")

	started := time.Now()
	fresh, err := rm.activate(rm.ctx, func() {
		rm.sendFailures = 0
		rm.recoveries++
		if old != nil {
			rm.retired = append(rm.retired, old.ID)
			if len(rm.retired) > retiredRoutes {
				rm.retired = rm.retired[len(rm.retired)-retiredRoutes:]
			}
		}
	})
	if err != nil {
		if rm.ctx.Err() != nil {
			return 0, ErrSessionClosed
		}
		rm.giveUp(err)
		log.WithError(err).WithField("reason", reason).Error("route recovery exhausted")
		return 0, err
	}

	version := rm.Version()
	log.WithFields(logger.Fields{
		"at":       "(RouteManager) recover",
		"reason":   reason,
		"route_id": fresh.ID.String(),
		"version":  version,
		"took":     time.Since(started),
	}).Info("local route replaced")

	if old != nil {
		rm.discard(old)
	}
	return version, nil
}

// HandleDeadRoutes reports whether the active route is among dead. Dead
// retired routes are forgotten. Any other id may be a route still being
// activated and is remembered for activate.
func (rm *RouteManager) HandleDeadRoutes(dead []overlay.RouteID) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	activeDied := false
	for _, id := range dead {
		if rm.route != nil && rm.route.ID == id {
			if rm.routeState == RouteActive {
				rm.currentDead = true
				activeDied = true
			}
			continue
		}
		if rm.forgetRetiredLocked(id) {
			continue
		}
		rm.deadSeen = append(rm.deadSeen, id)
		if len(rm.deadSeen) > deadMemory {
			rm.deadSeen = rm.deadSeen[len(rm.deadSeen)-deadMemory:]
		}
	}
	return activeDied
}

func (rm *RouteManager) forgetRetiredLocked(id overlay.RouteID) bool {
	for i, r := range rm.retired {
		if r == id {
			rm.retired = append(rm.retired[:i], rm.retired[i+1:]...)
			return true
		}
	}
	return false
}

// NoteSendResult feeds the outcome of a delivery attempt. It reports true
// when enough consecutive unreachable-peer failures piled up to suspect the
// local route.
func (rm *RouteManager) NoteSendResult(err error) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err == nil {
		rm.sendFailures = 0
		return false
	}
	if !errors.Is(err, ErrPeerUnreachable) || rm.routeState != RouteActive {
		return false
	}
	rm.sendFailures++
	if rm.sendFailures < rm.cfg.SendFailureThreshold {
		return false
	}
	rm.sendFailures = 0
	return true
}

// Release gives the local route back to the network and stops publishing.
// The caller must have cancelled and joined all work using the route first.
func (rm *RouteManager) Release(ctx context.Context) error {
	rm.publishMu.Lock()
	rm.closed = true
	rm.publishMu.Unlock()

	rm.mu.Lock()
	route := rm.route
	rm.route = nil
	rm.retired = nil
	rm.deadSeen = nil
	if rm.routeState != RouteExhausted {
		rm.setStateLocked(RouteNone)
	}
	rm.mu.Unlock()

	if route == nil {
		return nil
	}
	if err := rm.net.ReleaseRoute(ctx, route.ID); err != nil {
		return oops.Wrapf(err, "release route %s", route.ID)
	}
	log.WithField("route_id", route.ID.String()).Debug("local route released")
	return nil
}
