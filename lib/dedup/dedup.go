// Package dedup suppresses re-deliveries of messages the overlay hands over
// more than once.
//
// The overlay may deliver the same message several times when a route is
// reported broken mid-delivery. Store remembers a content fingerprint of every
// accepted message for a bounded window and rejects repeats. Fingerprints are
// BLAKE2b-256; a collision between two distinct messages drops the second
// one silently, which is accepted in exchange for bounded memory.
package dedup

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/go-i2p/logger"
	"golang.org/x/crypto/blake2b"
)

var log = logger.GetGoI2PLogger()

const (
	// DefaultMaxEntries bounds the number of remembered fingerprints.
	DefaultMaxEntries = 4096
	// DefaultRetention bounds how long a fingerprint is remembered.
	DefaultRetention = 10 * time.Minute
)

type entry struct {
	sum [blake2b.Size256]byte
	at  time.Time
}

// Store is a FIFO-evicting set of message fingerprints. It is safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	seen      map[[blake2b.Size256]byte]struct{}
	order     *circularbuffer.Queue
	retention time.Duration
	now       func() time.Time
	evicted   uint64
}

// New creates a Store holding at most maxEntries fingerprints, each for at
// most retention. A zero retention disables age-based eviction.
func New(maxEntries int, retention time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if retention < 0 {
		retention = DefaultRetention
	}
	return &Store{
		seen:      make(map[[blake2b.Size256]byte]struct{}, maxEntries),
		order:     circularbuffer.New(maxEntries),
		retention: retention,
		now:       time.Now,
	}
}

// Accept returns true and records the fingerprint of payload the first time
// it is seen within the retention window, and false for every repeat.
func (s *Store) Accept(payload []byte) bool {
	sum := blake2b.Sum256(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if _, dup := s.seen[sum]; dup {
		return false
	}

	if s.order.Full() {
		s.evictOldestLocked()
	}
	s.order.Enqueue(entry{sum: sum, at: now})
	s.seen[sum] = struct{}{}
	return true
}

// Len returns the number of remembered fingerprints.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Evicted returns how many fingerprints were dropped by the size or age bound.
func (s *Store) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func (s *Store) expireLocked(now time.Time) {
	if s.retention == 0 {
		return
	}
	expired := 0
	for {
		v, ok := s.order.Peek()
		if !ok || now.Sub(v.(entry).at) < s.retention {
			break
		}
		s.evictOldestLocked()
		expired++
	}
	if expired > 0 {
		log.WithFields(logger.Fields{
			"at":        "(Store) expireLocked",
			"expired":   expired,
			"remaining": len(s.seen),
			"retention": s.retention,
		}).Debug("expired dedup fingerprints")
	}
}

func (s *Store) evictOldestLocked() {
	v, ok := s.order.Dequeue()
	if !ok {
		return
	}
	delete(s.seen, v.(entry).sum)
	s.evicted++
}
