package memnet

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/go-i2p/go-duplex/lib/overlay"
)

// subscription buffers updates without bound so that a sender never blocks
// on a slow consumer.
type subscription struct {
	node *Node

	mu     sync.Mutex
	queue  *linkedlistqueue.Queue
	notify chan struct{}
	out    chan overlay.Update
	done   chan struct{}
	once   sync.Once
}

func newSubscription(n *Node) *subscription {
	return &subscription{
		node:   n,
		queue:  linkedlistqueue.New(),
		notify: make(chan struct{}, 1),
		out:    make(chan overlay.Update),
		done:   make(chan struct{}),
	}
}

func (s *subscription) Updates() <-chan overlay.Update {
	return s.out
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.node.removeSubscription(s)
	})
}

func (s *subscription) push(u overlay.Update) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.queue.Enqueue(u)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		v, ok := s.queue.Dequeue()
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- v.(overlay.Update):
		case <-s.done:
			return
		}
	}
}
