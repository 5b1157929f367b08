package duplex

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakePingDeliveredOnce(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)
	assert.Equal(t, Unlinked, host.State())
	assert.False(t, host.DirectoryKey().IsZero())

	// The key travels out of band as text.
	key, err := overlay.ParseDirectoryKey(host.DirectoryKey().String())
	require.NoError(t, err)

	client := startClient(t, tb.clientNode, key)
	assert.Equal(t, Linked, client.State())

	require.NoError(t, client.Send(context.Background(), []byte("ping")))

	msg := mustReceive(t, host)
	assert.Equal(t, []byte("ping"), msg.Payload)
	assert.Equal(t, tb.clientNode.NodeID(), msg.From)

	_, err = receiveWithin(host, 100*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "ping must be delivered exactly once, got %v", err)

	assert.Equal(t, Linked, host.State())
	assert.Equal(t, uint32(1), host.linkTransitions.Load(), "host links exactly once")
	remote, ok := host.RemoteKey()
	require.True(t, ok)
	assert.Equal(t, client.DirectoryKey(), remote)

	require.NoError(t, host.Send(context.Background(), []byte("pong")))
	assert.Equal(t, []byte("pong"), mustReceive(t, client).Payload)

	assert.Equal(t, uint64(1), client.Stats().Sent)
	assert.Equal(t, uint64(1), host.Stats().Delivered)
}

func TestHostSendWaitsForLink(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := host.Send(ctx, []byte("too early"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestRouteDeathRecovery(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)
	steps := watchTransitions(host)

	require.NoError(t, client.Send(context.Background(), []byte("before")))
	assert.Equal(t, []byte("before"), mustReceive(t, host).Payload)

	oldRoute := currentRoute(t, host)
	oldVersion := host.Stats().RouteVersion
	require.True(t, tb.hub.KillRoute(oldRoute))

	require.Eventually(t, func() bool {
		return host.Stats().Recoveries == 1 && host.RouteState() == RouteActive
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"active->recovering", "recovering->active"}, steps.get())

	newRoute := currentRoute(t, host)
	assert.NotEqual(t, oldRoute, newRoute)
	assert.True(t, tb.hub.RouteAlive(newRoute))
	assert.Greater(t, host.Stats().RouteVersion, oldVersion)
	require.Eventually(t, func() bool { return tb.hostNode.Released() == 1 }, waitFor, 5*time.Millisecond,
		"the dead route is given back")

	require.NoError(t, client.Send(context.Background(), []byte("after")))
	assert.Equal(t, []byte("after"), mustReceive(t, host).Payload)
	assert.Equal(t, Linked, host.State(), "route churn never unlinks")
}

func TestClientResolvesRepublishedRouteThroughDirectory(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)

	// Keep the in-band refresh from reaching the client so the only way to
	// learn the new route is a directory lookup after a failed send.
	tb.hostNode.SetSendHook(func(overlay.RouteID) error { return errors.New("host uplink down") })

	require.True(t, tb.hub.KillRoute(currentRoute(t, host)))
	require.Eventually(t, func() bool {
		return host.Stats().Recoveries == 1 && host.RouteState() == RouteActive
	}, waitFor, 5*time.Millisecond)

	before := client.Stats().Refreshes
	require.NoError(t, client.Send(context.Background(), []byte("via directory")))
	assert.Equal(t, []byte("via directory"), mustReceive(t, host).Payload)
	assert.Greater(t, client.Stats().Refreshes, before)
}

func TestDuplicateNetworkDeliveryIsSuppressed(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)

	tb.clientNode.SetDuplicateDelivery(true)
	require.NoError(t, client.Send(context.Background(), []byte("once")))

	assert.Equal(t, []byte("once"), mustReceive(t, host).Payload)
	_, err := receiveWithin(host, 100*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	require.Eventually(t, func() bool { return host.Stats().Duplicates == 1 }, waitFor, 5*time.Millisecond)
}

func TestSameRawEventTwiceYieldsOneMessage(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)

	clientKey := client.DirectoryKey()
	raw, err := (&wire.Envelope{
		Kind:      wire.KindData,
		MessageID: uuid.New(),
		Payload:   []byte("replayed"),
		SenderKey: &clientKey,
	}).Marshal(0)
	require.NoError(t, err)

	u := overlay.Update{Kind: overlay.UpdateMessage, Route: currentRoute(t, host), Payload: raw}
	tb.hostNode.Inject(u)
	tb.hostNode.Inject(u)

	assert.Equal(t, []byte("replayed"), mustReceive(t, host).Payload)
	_, err = receiveWithin(host, 100*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDistinctSendsOfEqualPayloadAreBothDelivered(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)

	require.NoError(t, client.Send(context.Background(), []byte("tick")))
	require.NoError(t, client.Send(context.Background(), []byte("tick")))

	first := mustReceive(t, host)
	second := mustReceive(t, host)
	assert.Equal(t, first.Payload, second.Payload)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRouteExhaustionIsFatalOnce(t *testing.T) {
	tb := newTestbed(t)
	host, _ := linkedPair(t, tb)

	tb.hostNode.SetAllocateHook(func() error { return errors.New("no capacity") })
	require.True(t, tb.hub.KillRoute(currentRoute(t, host)))

	select {
	case err := <-host.Err():
		assert.True(t, errors.Is(err, ErrRouteExhausted), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("route exhaustion was never reported")
	}

	err := host.Send(context.Background(), []byte("late"))
	assert.True(t, errors.Is(err, ErrSessionClosed), "got %v", err)

	select {
	case <-host.Done():
	case <-time.After(waitFor):
		t.Fatal("exhausted session was not torn down")
	}
	_, open := <-host.Err()
	assert.False(t, open, "exhaustion is reported exactly once")
	assert.Equal(t, RouteExhausted, host.RouteState())

	_, err = host.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestNewHostFailsWhenAllocationNeverSucceeds(t *testing.T) {
	tb := newTestbed(t)
	tb.hostNode.SetAllocateHook(func() error { return errors.New("no capacity") })

	host, err := NewHost(context.Background(), tb.hostNode, testConfig())
	assert.Nil(t, host)
	assert.True(t, errors.Is(err, ErrRouteExhausted), "got %v", err)
}

func TestVersionsStrictlyIncreaseAcrossRecoveries(t *testing.T) {
	tb := newTestbed(t)
	rec := &recordingNet{Node: tb.hostNode}
	host := startHost(t, rec)
	startClient(t, tb.clientNode, host.DirectoryKey())
	waitLinked(t, host)

	// Every other publish fails, so recoveries retry and burn versions.
	var calls atomic.Int32
	tb.hostNode.SetPublishHook(func(overlay.DirectoryKey) error {
		if calls.Add(1)%2 == 1 {
			return errors.New("directory busy")
		}
		return nil
	})

	for i := 1; i <= 3; i++ {
		require.True(t, tb.hub.KillRoute(currentRoute(t, host)))
		want := uint64(i)
		require.Eventually(t, func() bool {
			return host.Stats().Recoveries == want && host.RouteState() == RouteActive
		}, waitFor, 5*time.Millisecond)
	}

	published := rec.Published()
	require.Len(t, published, 4)
	for i := 1; i < len(published); i++ {
		assert.Greater(t, published[i].Version, published[i-1].Version)
		assert.False(t, published[i].SameRoute(published[i-1]), "a new route is published each time")
	}
	assert.Equal(t, 4, tb.hub.RecordWrites(host.DirectoryKey()))
}

func TestConcurrentRecoveryRequestsShareOneReallocation(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)

	var inflight, peak atomic.Int32
	tb.hostNode.SetAllocateHook(func() error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := host.routes.Recover("test")
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	assert.Equal(t, int32(1), peak.Load(), "reallocations never overlap")
	assert.GreaterOrEqual(t, host.Stats().Recoveries, uint64(1))
	assert.Equal(t, RouteActive, host.RouteState())
}

func TestUnsupportedEnvelopeVersionIsDropped(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)

	raw, err := (&wire.Envelope{Kind: wire.KindData, MessageID: uuid.New(), Payload: []byte("from the future")}).Marshal(0)
	require.NoError(t, err)
	raw[0] = wire.FormatVersion + 1
	tb.hostNode.Inject(overlay.Update{Kind: overlay.UpdateMessage, Route: currentRoute(t, host), Payload: raw})

	require.Eventually(t, func() bool { return host.Stats().Dropped == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, client.Send(context.Background(), []byte("still alive")))
	assert.Equal(t, []byte("still alive"), mustReceive(t, host).Payload)
}

func TestThirdPartyEnvelopesAreDropped(t *testing.T) {
	tb := newTestbed(t)
	host, _ := linkedPair(t, tb)

	intruderNode, err := tb.hub.NewNode()
	require.NoError(t, err)
	intruder := startClient(t, intruderNode, host.DirectoryKey())

	require.NoError(t, intruder.Send(context.Background(), []byte("intruder")))
	require.Eventually(t, func() bool { return host.Stats().Dropped >= 2 }, waitFor, 5*time.Millisecond)

	_, err = receiveWithin(host, 100*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestPayloadTooLarge(t *testing.T) {
	tb := newTestbed(t)
	_, client := linkedPair(t, tb)

	err := client.Send(context.Background(), bytes.Repeat([]byte{'x'}, 40*1024))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge), "got %v", err)
}

func TestClientFailsWithoutHostRecord(t *testing.T) {
	tb := newTestbed(t)
	var missing overlay.DirectoryKey
	missing[0] = 42

	client, err := NewClient(context.Background(), tb.clientNode, missing, testConfig())
	assert.Nil(t, client)
	assert.True(t, errors.Is(err, ErrPeerUnreachable), "got %v", err)
	assert.Equal(t, 1, tb.clientNode.Released(), "the client's own route is released")
}

func TestCloseCancelsInFlightWorkBeforeRelease(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)
	bn := newBlockingNet(tb.clientNode)
	client := startClient(t, bn, host.DirectoryKey())

	bn.block.Store(true)
	sendErr := make(chan error, 1)
	go func() { sendErr <- client.Send(context.Background(), []byte("stuck")) }()

	select {
	case <-bn.entered:
	case <-time.After(waitFor):
		t.Fatal("send never reached the network")
	}

	require.NoError(t, client.Close())
	assert.True(t, errors.Is(<-sendErr, ErrSessionClosed))
	assert.Equal(t, []string{"send_entered", "send_returned", "release"}, bn.Events())

	err := client.Send(context.Background(), []byte("after close"))
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestCloseUnblocksReceive(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)

	recvErr := make(chan error, 1)
	go func() {
		_, err := host.Receive(context.Background())
		recvErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, host.Close())
	select {
	case err := <-recvErr:
		assert.True(t, errors.Is(err, ErrSessionClosed), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("Receive did not return after Close")
	}
	assert.NoError(t, host.Close(), "Close is idempotent")
	assert.Equal(t, 1, tb.hostNode.Released())
}

func TestMaintenanceLoopResubscribes(t *testing.T) {
	tb := newTestbed(t)
	host, client := linkedPair(t, tb)

	first := host.subscription()
	require.NotNil(t, first)
	first.Close()

	require.Eventually(t, func() bool {
		sub := host.subscription()
		return sub != nil && sub != first
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, client.Send(context.Background(), []byte("after resubscribe")))
	assert.Equal(t, []byte("after resubscribe"), mustReceive(t, host).Payload)
}

func TestRepeatedUnreachableSendsReplaceLocalRoute(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)

	cfg := testConfig()
	cfg.SendRetry.MaxAttempts = 1
	client, err := NewClient(context.Background(), tb.clientNode, host.DirectoryKey(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	waitLinked(t, host)

	tb.clientNode.SetSendHook(func(overlay.RouteID) error { return errors.New("black hole") })
	for i := 0; i < cfg.SendFailureThreshold; i++ {
		err := client.Send(context.Background(), []byte("lost"))
		require.True(t, errors.Is(err, ErrPeerUnreachable), "got %v", err)
	}
	tb.clientNode.SetSendHook(nil)

	require.Eventually(t, func() bool {
		return client.Stats().Recoveries == 1 && client.RouteState() == RouteActive
	}, waitFor, 5*time.Millisecond)

	// The host finds the new client route in band or through the directory.
	require.NoError(t, host.Send(context.Background(), []byte("reply")))
	assert.Equal(t, []byte("reply"), mustReceive(t, client).Payload)
}

func TestRouteDyingBeforeActivationIsReplaced(t *testing.T) {
	tb := newTestbed(t)
	net := &killOnPublishNet{Node: tb.hostNode, hub: tb.hub}
	host := startHost(t, net)
	client := startClient(t, tb.clientNode, host.DirectoryKey())
	waitLinked(t, host)

	net.armed.Store(true)
	require.True(t, tb.hub.KillRoute(currentRoute(t, host)))

	require.Eventually(t, func() bool {
		id, ok := host.routes.Current()
		return ok && host.RouteState() == RouteActive && tb.hub.RouteAlive(id)
	}, waitFor, 5*time.Millisecond, "host stayed on a dead route")
	assert.Equal(t, int32(1), net.killed.Load())
	assert.False(t, host.routes.CurrentDead())

	require.NoError(t, client.Send(context.Background(), []byte("still reachable")))
	assert.Equal(t, []byte("still reachable"), mustReceive(t, host).Payload)
}

func TestLostHelloKeepsHostUnlinkedUntilRetry(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)

	const lost = 3
	var dropped atomic.Int32
	release := make(chan struct{})
	tb.clientNode.SetSendHook(func(overlay.RouteID) error {
		if dropped.Load() < lost {
			dropped.Add(1)
			return errors.New("hello lost")
		}
		<-release
		return nil
	})

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := NewClient(context.Background(), tb.clientNode, host.DirectoryKey(), testConfig())
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool { return dropped.Load() == lost }, waitFor, time.Millisecond)
	assert.Equal(t, Unlinked, host.State(), "host links only once a hello arrives")
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(waitFor):
		t.Fatal("client setup never finished")
	}
	require.NoError(t, res.err)
	t.Cleanup(func() { res.s.Close() })

	waitLinked(t, host)
	assert.Equal(t, uint32(1), host.linkTransitions.Load(), "host links exactly once")
	assert.Equal(t, uint32(1), res.s.linkTransitions.Load())
}

func TestUnreachableErrorIsWrappedOnce(t *testing.T) {
	tb := newTestbed(t)
	host := startHost(t, tb.hostNode)

	cfg := testConfig()
	cfg.SendRetry.MaxAttempts = 1
	client, err := NewClient(context.Background(), tb.clientNode, host.DirectoryKey(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	tb.clientNode.SetSendHook(func(overlay.RouteID) error { return errors.New("black hole") })
	err = client.Send(context.Background(), []byte("lost"))
	require.True(t, errors.Is(err, ErrPeerUnreachable), "got %v", err)
	assert.Equal(t, 1, strings.Count(err.Error(), ErrPeerUnreachable.Error()), "got %v", err)
}
