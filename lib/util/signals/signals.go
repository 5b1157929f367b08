// Package signals maps process signals onto registered callbacks. The CLI uses
// it to close duplex sessions on SIGINT/SIGTERM and to re-read its config on
// SIGHUP.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration so it can be removed again.
type HandlerID int

type kind int

const (
	kindReload kind = iota
	kindInterrupt
)

func (k kind) String() string {
	if k == kindReload {
		return "reload"
	}
	return "interrupt"
}

type registeredHandler struct {
	id HandlerID
	fn Handler
}

var (
	mu       sync.RWMutex
	handlers = map[kind][]registeredHandler{}
	nextID   HandlerID
)

func register(k kind, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	handlers[k] = append(handlers[k], registeredHandler{id: id, fn: f})
	return id
}

func deregister(k kind, id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	list := handlers[k]
	for i, h := range list {
		if h.id == id {
			handlers[k] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RegisterReloadHandler registers a handler called on SIGHUP.
// Nil handlers are ignored and return -1.
func RegisterReloadHandler(f Handler) HandlerID { return register(kindReload, f) }

// DeregisterReloadHandler removes a reload handler by ID.
func DeregisterReloadHandler(id HandlerID) { deregister(kindReload, id) }

// RegisterInterruptHandler registers a handler called on SIGINT/SIGTERM.
// Nil handlers are ignored and return -1.
func RegisterInterruptHandler(f Handler) HandlerID { return register(kindInterrupt, f) }

// DeregisterInterruptHandler removes an interrupt handler by ID.
func DeregisterInterruptHandler(id HandlerID) { deregister(kindInterrupt, id) }

// run calls every handler of kind k in registration order. A panicking
// handler is logged and does not stop the rest.
func run(k kind) {
	mu.RLock()
	snapshot := append([]registeredHandler(nil), handlers[k]...)
	mu.RUnlock()

	for _, h := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":      "signals.run",
						"kind":    k.String(),
						"handler": h.id,
						"panic":   r,
					}).Error("signal handler panicked")
				}
			}()
			h.fn()
		}()
	}
}

// Handle dispatches process signals to the registered handlers until ctx is
// done. It returns after the first interrupt has been handled.
func Handle(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, watched...)
	defer signal.Stop(ch)
	dispatch(ctx, ch)
}

func dispatch(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			k := classify(sig)
			log.WithFields(logger.Fields{
				"at":     "signals.Handle",
				"signal": sig.String(),
				"kind":   k.String(),
			}).Info("signal received")
			run(k)
			if k == kindInterrupt {
				return
			}
		}
	}
}
