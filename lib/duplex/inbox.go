package duplex

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/google/uuid"
)

// IncomingMessage is an application payload accepted by the session.
type IncomingMessage struct {
	ID         uuid.UUID
	Payload    []byte
	From       overlay.NodeIdentity
	ReceivedAt time.Time
}

// inbox is the unbounded queue between the dispatcher and Receive callers.
type inbox struct {
	mu     sync.Mutex
	queue  *linkedlistqueue.Queue
	notify chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{
		queue:  linkedlistqueue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (in *inbox) push(msg *IncomingMessage) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.queue.Enqueue(msg)
	in.signalLocked()
	in.mu.Unlock()
	return true
}

func (in *inbox) signalLocked() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available, the inbox is closed or ctx is done.
func (in *inbox) pop(ctx context.Context) (*IncomingMessage, error) {
	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return nil, ErrSessionClosed
		}
		if v, ok := in.queue.Dequeue(); ok {
			if !in.queue.Empty() {
				// Pass the wakeup on to another waiting reader.
				in.signalLocked()
			}
			in.mu.Unlock()
			return v.(*IncomingMessage), nil
		}
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-in.notify:
		}
	}
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.queue.Size()
}

// close drops queued messages and wakes every reader.
func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.queue.Clear()
	close(in.notify)
}
