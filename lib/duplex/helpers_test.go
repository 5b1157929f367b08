package duplex

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/overlay/memnet"
	"github.com/go-i2p/go-duplex/lib/wire"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// testConfig shrinks every delay so failure scenarios finish quickly.
func testConfig() *config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.RouteRetry = config.RetryConfig{InitialDelay: 2 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 5}
	cfg.SendRetry = config.RetryConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 40 * time.Millisecond, MaxAttempts: 25}
	cfg.LookupRetry = config.RetryConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 10}
	cfg.LookupInterval = 0
	cfg.OperationTimeout = 2 * time.Second
	cfg.ReleaseTimeout = time.Second
	return cfg
}

type testbed struct {
	hub        *memnet.Hub
	hostNode   *memnet.Node
	clientNode *memnet.Node
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	hub := memnet.NewHub()
	t.Cleanup(hub.Close)
	h, err := hub.NewNode()
	require.NoError(t, err)
	c, err := hub.NewNode()
	require.NoError(t, err)
	return &testbed{hub: hub, hostNode: h, clientNode: c}
}

func startHost(t *testing.T, net overlay.Network) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	host, err := NewHost(ctx, net, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })
	return host
}

func startClient(t *testing.T, net overlay.Network, key overlay.DirectoryKey) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	client, err := NewClient(ctx, net, key, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// linkedPair returns a host and a client whose handshake completed on both sides.
func linkedPair(t *testing.T, tb *testbed) (*Session, *Session) {
	t.Helper()
	host := startHost(t, tb.hostNode)
	client := startClient(t, tb.clientNode, host.DirectoryKey())
	waitLinked(t, host)
	return host, client
}

func waitLinked(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Linked():
	case <-time.After(waitFor):
		t.Fatalf("%s session never linked", s.Role())
	}
}

func receiveWithin(s *Session, d time.Duration) (*IncomingMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Receive(ctx)
}

func mustReceive(t *testing.T, s *Session) *IncomingMessage {
	t.Helper()
	msg, err := receiveWithin(s, waitFor)
	require.NoError(t, err)
	return msg
}

func currentRoute(t *testing.T, s *Session) overlay.RouteID {
	t.Helper()
	id, ok := s.routes.Current()
	require.True(t, ok, "session has no active route")
	return id
}

// transitionLog records RouteManager state changes.
type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func watchTransitions(s *Session) *transitionLog {
	l := &transitionLog{}
	s.routes.mu.Lock()
	s.routes.onTransition = func(from, to RouteState) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.steps = append(l.steps, from.String()+"->"+to.String())
	}
	s.routes.mu.Unlock()
	return l
}

func (l *transitionLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

// recordingNet captures every successful directory write.
type recordingNet struct {
	*memnet.Node

	mu        sync.Mutex
	published []*wire.Advertisement
}

func (r *recordingNet) PublishRecord(ctx context.Context, key overlay.DirectoryKey, value []byte) error {
	if err := r.Node.PublishRecord(ctx, key, value); err != nil {
		return err
	}
	adv, err := wire.UnmarshalAdvertisement(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.published = append(r.published, adv)
	r.mu.Unlock()
	return nil
}

func (r *recordingNet) Published() []*wire.Advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*wire.Advertisement(nil), r.published...)
}

// blockingNet parks sends until their context ends and logs the order in
// which in-flight work and route release happen.
type blockingNet struct {
	*memnet.Node

	block   atomic.Bool
	entered chan struct{}

	mu     sync.Mutex
	events []string
}

func newBlockingNet(n *memnet.Node) *blockingNet {
	return &blockingNet{Node: n, entered: make(chan struct{}, 1)}
}

func (b *blockingNet) record(ev string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *blockingNet) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *blockingNet) Send(ctx context.Context, target overlay.RouteID, payload []byte) error {
	if !b.block.Load() {
		return b.Node.Send(ctx, target, payload)
	}
	b.record("send_entered")
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	b.record("send_returned")
	return ctx.Err()
}

func (b *blockingNet) ReleaseRoute(ctx context.Context, id overlay.RouteID) error {
	b.record("release")
	return b.Node.ReleaseRoute(ctx, id)
}

// killOnPublishNet kills the route it just advertised, once armed, so the
// route dies between publication and activation.
type killOnPublishNet struct {
	*memnet.Node
	hub *memnet.Hub

	armed  atomic.Bool
	killed atomic.Int32
}

func (k *killOnPublishNet) PublishRecord(ctx context.Context, key overlay.DirectoryKey, value []byte) error {
	if err := k.Node.PublishRecord(ctx, key, value); err != nil {
		return err
	}
	if !k.armed.CompareAndSwap(true, false) {
		return nil
	}
	adv, err := wire.UnmarshalAdvertisement(value)
	if err != nil {
		return err
	}
	if k.hub.KillRoute(overlay.RouteIDFromBlob(adv.RouteBlob)) {
		k.killed.Add(1)
	}
	return nil
}
