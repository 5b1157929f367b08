package duplex

import (
	"context"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// NewHost allocates a route, creates and publishes the host's directory
// record and returns a session waiting for a client. The key to hand to the
// client operator is available from DirectoryKey. A nil cfg means
// config.DefaultSessionConfig.
//
// ctx bounds setup only; the session lives until Close.
func NewHost(ctx context.Context, net overlay.Network, cfg *config.SessionConfig) (*Session, error) {
	s, err := newSession(net, cfg, RoleHost)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, oops.Wrapf(err, "host setup")
	}

	log.WithFields(logger.Fields{
		"at":            "NewHost",
		"directory_key": s.DirectoryKey().String(),
		"node_id":       net.NodeID().String(),
		"nickname":      s.cfg.Nickname,
	}).Info("host session waiting for client")
	return s, nil
}

// NewClient sets up the client side: it establishes its own route and
// record, looks up the host advertisement under hostKey and delivers a
// hello envelope carrying its own advertisement and key. The returned
// session is Linked.
func NewClient(ctx context.Context, net overlay.Network, hostKey overlay.DirectoryKey, cfg *config.SessionConfig) (*Session, error) {
	if hostKey.IsZero() {
		return nil, oops.Errorf("empty host directory key")
	}
	s, err := newSession(net, cfg, RoleClient)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, oops.Wrapf(err, "client setup")
	}
	if err := s.dial(ctx, hostKey); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) dial(ctx context.Context, hostKey overlay.DirectoryKey) error {
	sctx, cancel := s.scoped(ctx)
	defer cancel()

	s.peer.Bind(hostKey, overlay.NodeIdentity{})
	if err := s.lookupHost(sctx); err != nil {
		return err
	}

	hello := &wire.Envelope{Kind: wire.KindHello, MessageID: uuid.New()}
	if err := s.deliver(sctx, hello); err != nil {
		return oops.Wrapf(err, "hello to host %s", hostKey)
	}
	s.link()
	return nil
}

// lookupHost fetches the host advertisement, retrying on the LookupRetry
// policy: the host may not have published yet.
func (s *Session) lookupHost(ctx context.Context) error {
	budget := attempts(s.cfg.LookupRetry)
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(s.cfg.LookupRetry, attempt-1)); err != nil {
				return s.closedOr(ctx)
			}
		}
		_, err := s.peer.Refresh(ctx)
		if s.peer.Known() {
			return nil
		}
		if ctx.Err() != nil {
			return s.closedOr(ctx)
		}
		lastErr = err
		log.WithFields(logger.Fields{
			"at":      "(Session) lookupHost",
			"attempt": attempt + 1,
			"budget":  budget,
		}).WithError(err).Debug("host advertisement not available yet")
	}
	return oops.Wrapf(ErrPeerUnreachable, "host record not found after %d lookups: %v", budget, lastErr)
}

// acceptHandshake links a host session on the first envelope that made the
// client's advertisement known.
func (s *Session) acceptHandshake() {
	if s.role != RoleHost || !s.peer.Known() {
		return
	}
	s.link()
}

func (s *Session) link() {
	if !s.state.markLinked() {
		return
	}
	s.linkTransitions.Add(1)
	remoteKey, _ := s.peer.RemoteKey()
	log.WithFields(logger.Fields{
		"at":          "(Session) link",
		"role":        s.role.String(),
		"remote_key":  remoteKey.String(),
		"remote_node": s.peer.RemoteNode().String(),
	}).Info("session linked")
}
