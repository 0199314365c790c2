package cpclib

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// resetHub fans SIGUSR1 out to every subscriber registered via Client.OnReset.
// The original C library stored a single process-wide reset_callback set at
// cpc_init time; Go processes commonly host more than one independent
// consumer of a Client, so subscription here returns a closure the caller
// uses to unsubscribe instead of overwriting a shared slot.
type resetHub struct {
	mu   sync.Mutex
	subs map[int]func()
	next int

	sigCh chan os.Signal
	stop  chan struct{}
}

func newResetHub() *resetHub {
	h := &resetHub{
		subs:  make(map[int]func()),
		sigCh: make(chan os.Signal, 1),
		stop:  make(chan struct{}),
	}
	signal.Notify(h.sigCh, syscall.SIGUSR1)
	go h.run()
	return h
}

func (h *resetHub) run() {
	for {
		select {
		case <-h.stop:
			signal.Stop(h.sigCh)
			return
		case <-h.sigCh:
			h.mu.Lock()
			fns := make([]func(), 0, len(h.subs))
			for _, fn := range h.subs {
				fns = append(fns, fn)
			}
			h.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
	}
}

// subscribe registers fn to run on every SIGUSR1 delivered to this process.
// The returned function removes the subscription; calling it more than once
// is a no-op.
func (h *resetHub) subscribe(fn func()) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *resetHub) close() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}
