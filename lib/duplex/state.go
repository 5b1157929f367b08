package duplex

import (
	"sync"

	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/go-i2p/go-duplex/lib/wire"
)

// SessionState is the link state of a session. It only moves forward.
type SessionState int

const (
	// Unlinked: the remote advertisement has not been received yet.
	Unlinked SessionState = iota
	// Linked: both peers can address each other.
	Linked
)

func (s SessionState) String() string {
	if s == Linked {
		return "linked"
	}
	return "unlinked"
}

// sessionState is the handle RouteManager and PeerLink share instead of
// referencing each other. RouteManager writes the local advertisement,
// the handshake writes the link state, everybody reads.
type sessionState struct {
	localNode overlay.NodeIdentity

	mu       sync.RWMutex
	localKey overlay.DirectoryKey
	localAdv *wire.Advertisement

	linkOnce sync.Once
	linked   chan struct{}
}

func newSessionState(localNode overlay.NodeIdentity) *sessionState {
	return &sessionState{
		localNode: localNode,
		linked:    make(chan struct{}),
	}
}

func (st *sessionState) setLocalKey(key overlay.DirectoryKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.localKey = key
}

func (st *sessionState) LocalKey() overlay.DirectoryKey {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.localKey
}

func (st *sessionState) setLocalAdvertisement(adv *wire.Advertisement) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if adv.NewerThan(st.localAdv) {
		st.localAdv = adv.Clone()
	}
}

// LocalAdvertisement returns a copy of the last published advertisement, or
// nil before the first publish.
func (st *sessionState) LocalAdvertisement() *wire.Advertisement {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.localAdv.Clone()
}

// markLinked flips the state to Linked. It reports true only for the call
// that performed the transition.
func (st *sessionState) markLinked() bool {
	flipped := false
	st.linkOnce.Do(func() {
		close(st.linked)
		flipped = true
	})
	return flipped
}

func (st *sessionState) State() SessionState {
	select {
	case <-st.linked:
		return Linked
	default:
		return Unlinked
	}
}

// stamp attaches the piggybacked sender metadata to env.
func (st *sessionState) stamp(env *wire.Envelope) {
	key := st.LocalKey()
	node := st.localNode
	env.Advertisement = st.LocalAdvertisement()
	env.SenderKey = &key
	env.SenderNode = &node
}
