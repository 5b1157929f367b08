package duplex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/go-duplex/lib/dedup"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Role is the side a session played in the handshake.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "host"
}

// Stats is a snapshot of session counters.
type Stats struct {
	Sent         uint64 // payloads handed to the overlay by Send
	Delivered    uint64 // payloads queued for Receive
	Duplicates   uint64 // re-deliveries suppressed
	Dropped      uint64 // undecodable or foreign envelopes
	Recoveries   uint64 // local route replacements
	Lookups      uint64 // directory lookups for the remote record
	Refreshes    uint64 // lookups that produced a newer remote advertisement
	RouteVersion uint64
	Queued       int
}

// Session is one end of a duplex channel. All methods are safe for
// concurrent use.
type Session struct {
	role Role
	net  overlay.Network
	cfg  *config.SessionConfig

	ctx    context.Context
	cancel context.CancelFunc

	state  *sessionState
	routes *RouteManager
	peer   *PeerLink
	seen   *dedup.Store
	in     *inbox

	mu        sync.Mutex
	closing   bool
	fatal     error
	sub       overlay.Subscription
	errCh     chan error
	errClosed bool
	wg        sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	announced       atomic.Uint64
	linkTransitions atomic.Uint32

	sent, delivered, duplicates, dropped atomic.Uint64
}

func newSession(net overlay.Network, cfg *config.SessionConfig, role Role) (*Session, error) {
	if net == nil {
		return nil, oops.Errorf("nil overlay network")
	}
	if cfg == nil {
		cfg = config.DefaultSessionConfig()
	} else {
		cfg = cfg.Clone()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := newSessionState(net.NodeID())
	s := &Session{
		role:   role,
		net:    net,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  state,
		routes: newRouteManager(ctx, net, cfg, state),
		peer:   newPeerLink(net, cfg),
		seen:   dedup.New(cfg.DedupMaxEntries, cfg.DedupRetention),
		in:     newInbox(),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	return s, nil
}

// start subscribes to the overlay, launches the maintenance loop and
// establishes the local route.
func (s *Session) start(ctx context.Context) error {
	sub, err := s.net.Subscribe()
	if err != nil {
		return oops.Wrapf(err, "subscribe to overlay updates")
	}
	s.setSubscription(sub)

	if !s.track() {
		return ErrSessionClosed
	}
	go s.maintain()

	sctx, cancel := s.scoped(ctx)
	defer cancel()
	if err := s.routes.Establish(sctx); err != nil {
		if ctx.Err() == nil && s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

// scoped derives a context cancelled when either ctx or the session ends.
func (s *Session) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// track registers a unit of work that teardown must join. It fails once
// teardown has begun.
func (s *Session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Session) goTracked(fn func()) {
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// closedOr maps a context failure to the session error when the session
// itself is what ended.
func (s *Session) closedOr(ctx context.Context) error {
	if s.ctx.Err() != nil {
		s.mu.Lock()
		fatal := s.fatal
		s.mu.Unlock()
		if fatal != nil {
			return fatal
		}
		return ErrSessionClosed
	}
	return ctx.Err()
}

// Send delivers payload to the remote peer. It waits until the session is
// Linked, then retries delivery on the SendRetry policy.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if !s.track() {
		return ErrSessionClosed
	}
	defer s.wg.Done()

	ctx, cancel := s.scoped(ctx)
	defer cancel()

	select {
	case <-s.state.linked:
	case <-ctx.Done():
		return s.closedOr(ctx)
	}

	env := &wire.Envelope{
		Kind:      wire.KindData,
		MessageID: uuid.New(),
		Payload:   payload,
	}
	if err := s.deliver(ctx, env); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// deliver transmits env through the PeerLink with bounded retries. The
// message id stays fixed across attempts; the piggybacked advertisement is
// refreshed on each one.
func (s *Session) deliver(ctx context.Context, env *wire.Envelope) error {
	budget := attempts(s.cfg.SendRetry)
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(s.cfg.SendRetry, attempt-1)); err != nil {
				return s.closedOr(ctx)
			}
		}

		s.state.stamp(env)
		b, err := env.Marshal(s.cfg.MaxEnvelopeSize)
		if err != nil {
			if errors.Is(err, wire.ErrEnvelopeTooLarge) {
				return oops.Wrapf(ErrPayloadTooLarge, "%d byte payload: %v", len(env.Payload), err)
			}
			return err
		}

		err = s.peer.Send(ctx, b)
		if err == nil {
			s.routes.NoteSendResult(nil)
			return nil
		}
		if ctx.Err() != nil {
			return s.closedOr(ctx)
		}
		lastErr = err
		log.WithFields(logger.Fields{
			"at":         "(Session) deliver",
			"kind":       env.Kind.String(),
			"message_id": env.MessageID.String(),
			"attempt":    attempt + 1,
			"budget":     budget,
		}).WithError(err).Debug("delivery attempt failed")
	}

	var err error
	if errors.Is(lastErr, ErrPeerUnreachable) {
		err = oops.Wrapf(lastErr, "%s after %d attempts", env.Kind, budget)
	} else {
		err = oops.Wrapf(ErrPeerUnreachable, "%s after %d attempts: %v", env.Kind, budget, lastErr)
	}
	if s.routes.NoteSendResult(err) {
		s.requestRecovery("repeated delivery failures")
	}
	return err
}

// Receive returns the next accepted payload. It fails with ErrSessionClosed
// once the session is torn down.
func (s *Session) Receive(ctx context.Context) (*IncomingMessage, error) {
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}
	return s.in.pop(ctx)
}

// Err yields at most one fatal error (ErrRouteExhausted) and is closed
// when the session is torn down.
func (s *Session) Err() <-chan error {
	return s.errCh
}

// Done is closed once teardown completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Linked is closed when the session becomes Linked.
func (s *Session) Linked() <-chan struct{} {
	return s.state.linked
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) State() SessionState {
	return s.state.State()
}

func (s *Session) RouteState() RouteState {
	return s.routes.State()
}

// DirectoryKey is the key the remote peer uses to look this session up.
// A host hands it to the client operator out of band.
func (s *Session) DirectoryKey() overlay.DirectoryKey {
	return s.state.LocalKey()
}

// RemoteKey returns the directory key of the remote peer once known.
func (s *Session) RemoteKey() (overlay.DirectoryKey, bool) {
	return s.peer.RemoteKey()
}

func (s *Session) Stats() Stats {
	lookups, refreshes := s.peer.Lookups()
	return Stats{
		Sent:         s.sent.Load(),
		Delivered:    s.delivered.Load(),
		Duplicates:   s.duplicates.Load(),
		Dropped:      s.dropped.Load(),
		Recoveries:   s.routes.Recoveries(),
		Lookups:      lookups,
		Refreshes:    refreshes,
		RouteVersion: s.routes.Version(),
		Queued:       s.in.len(),
	}
}

func (s *Session) subscription() overlay.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *Session) setSubscription(sub overlay.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = sub
}

// maintain pumps overlay updates into the dispatcher until teardown. An
// update stream that ends while the session is alive is reopened.
func (s *Session) maintain() {
	defer s.wg.Done()

	for {
		sub := s.subscription()
		if sub == nil {
			var err error
			if sub, err = s.resubscribe(); err != nil {
				return
			}
		}

		select {
		case <-s.ctx.Done():
			log.WithFields(logger.Fields{
				"at":     "(Session) maintain",
				"role":   s.role.String(),
				"reason": "session closing",
			}).Debug("maintenance loop stopped")
			return
		case u, ok := <-sub.Updates():
			if !ok {
				log.WithField("role", s.role.String()).Warn("overlay update stream ended, resubscribing")
				s.setSubscription(nil)
				continue
			}
			s.dispatch(u)
		}
	}
}

func (s *Session) resubscribe() (overlay.Subscription, error) {
	for failures := 0; ; failures++ {
		sub, err := s.net.Subscribe()
		if err == nil {
			s.setSubscription(sub)
			return sub, nil
		}
		log.WithError(err).WithField("failures", failures+1).Warn("overlay subscribe failed")
		if err := sleepCtx(s.ctx, retryDelay(s.cfg.RouteRetry, failures)); err != nil {
			return nil, err
		}
	}
}

func (s *Session) dispatch(u overlay.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "(Session) dispatch",
				"kind":  u.Kind.String(),
				"panic": r,
			}).Error("update dispatch panicked")
		}
	}()

	switch u.Kind {
	case overlay.UpdateMessage:
		s.handleMessage(u)
	case overlay.UpdateRouteChange:
		s.handleRouteChange(u)
	}
}

func (s *Session) handleRouteChange(u overlay.Update) {
	if len(u.DeadRemoteRoutes) > 0 {
		s.peer.InvalidateRoutes(u.DeadRemoteRoutes)
	}
	if len(u.DeadRoutes) > 0 && s.routes.HandleDeadRoutes(u.DeadRoutes) {
		s.requestRecovery("local route died")
	}
}

func (s *Session) handleMessage(u overlay.Update) {
	if !s.routes.Owns(u.Route) {
		// Traffic for another session sharing the node.
		return
	}

	env, err := wire.UnmarshalEnvelope(u.Payload, s.cfg.MaxEnvelopeSize)
	if err != nil {
		s.dropped.Add(1)
		entry := log.WithError(err).WithField("route_id", u.Route.String())
		if errors.Is(err, wire.ErrUnsupportedEnvelopeVersion) {
			entry.Warn("dropping envelope from a newer protocol version")
		} else {
			entry.Debug("dropping undecodable envelope")
		}
		return
	}

	if env.SenderKey != nil {
		var node overlay.NodeIdentity
		if env.SenderNode != nil {
			node = *env.SenderNode
		}
		if !s.peer.Bind(*env.SenderKey, node) {
			s.dropped.Add(1)
			log.WithField("sender_key", env.SenderKey.String()).Warn("dropping envelope from a third party")
			return
		}
	} else if s.State() != Linked {
		s.dropped.Add(1)
		return
	}

	if env.Advertisement != nil {
		s.peer.Offer(env.Advertisement)
	}
	s.acceptHandshake()

	if env.IsControl() {
		return
	}
	if !s.seen.Accept(fingerprint(env)) {
		s.duplicates.Add(1)
		log.WithField("message_id", env.MessageID.String()).Debug("duplicate delivery suppressed")
		return
	}
	msg := &IncomingMessage{
		ID:         env.MessageID,
		Payload:    env.Payload,
		From:       s.peer.RemoteNode(),
		ReceivedAt: time.Now(),
	}
	if s.in.push(msg) {
		s.delivered.Add(1)
	}
}

// fingerprint identifies a data message for duplicate suppression: its id
// and payload, never the piggybacked metadata that changes across retries.
func fingerprint(env *wire.Envelope) []byte {
	b := make([]byte, 0, len(env.MessageID)+len(env.Payload))
	b = append(b, env.MessageID[:]...)
	return append(b, env.Payload...)
}

// requestRecovery replaces the local route in the background.
func (s *Session) requestRecovery(reason string) {
	s.goTracked(func() {
		version, err := s.routes.Recover(reason)
		switch {
		case err == nil:
			s.announce(version)
		case errors.Is(err, ErrRouteExhausted):
			s.fail(err)
		case errors.Is(err, ErrSessionClosed):
		default:
			log.WithError(err).WithField("reason", reason).Warn("route recovery failed")
		}
	})
}

// announce pushes a fresh advertisement to the linked peer so it does not
// have to wait for a directory lookup. Each version is announced once.
func (s *Session) announce(version uint64) {
	if s.State() != Linked {
		return
	}
	for {
		prev := s.announced.Load()
		if version <= prev {
			return
		}
		if s.announced.CompareAndSwap(prev, version) {
			break
		}
	}
	env := &wire.Envelope{Kind: wire.KindRefresh, MessageID: uuid.New()}
	if err := s.deliver(s.ctx, env); err != nil {
		log.WithError(err).WithField("version", version).Debug("route refresh not delivered")
	}
}

// fail reports a fatal condition once and tears the session down.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.fatal != nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.fatal = err
	s.closing = true
	if !s.errClosed {
		s.errCh <- err
	}
	s.mu.Unlock()

	log.WithError(err).WithField("role", s.role.String()).Error("session failed")
	s.cancel()
	go s.shutdown()
}

// Close tears the session down: in-flight work is cancelled and joined
// before the local route is released and the subscription closed. Pending
// Send and Receive calls return ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	s.shutdown()
	return s.closeErr
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
		s.closeErr = s.routes.Release(ctx)
		cancel()
		if s.closeErr != nil {
			log.WithError(s.closeErr).Warn("failed to release local route")
		}

		if sub := s.subscription(); sub != nil {
			sub.Close()
			s.setSubscription(nil)
		}
		s.in.close()

		s.mu.Lock()
		s.errClosed = true
		close(s.errCh)
		s.mu.Unlock()

		stats := s.Stats()
		log.WithFields(logger.Fields{
			"at":         "(Session) Close",
			"role":       s.role.String(),
			"sent":       stats.Sent,
			"delivered":  stats.Delivered,
			"duplicates": stats.Duplicates,
			"recoveries": stats.Recoveries,
		}).Info("session closed")
		close(s.done)
	})
	<-s.done
}
