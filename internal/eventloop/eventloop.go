// Package eventloop implements the single-threaded readiness dispatch for
// the fds registered with it (in cpcd, only the UART/SPI driver fd) and the
// ARQ/ack timers Core arms. The socket servers and the security worker run
// on their own goroutines and register nothing here. One goroutine calls
// Run; every other component reaches it only through Register/Unregister/
// ArmTimer/CancelTimer, which are safe to call from any goroutine and are
// applied on the loop's next sweep.
package eventloop

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Handler is invoked when its registered fd becomes readable.
type Handler func()

// TimerFunc is invoked when an armed timer's deadline elapses. Defined as an
// alias (not a distinct named type) so *Loop satisfies core.Scheduler, whose
// ArmTimer/CancelTimer are declared with the literal func() type.
type TimerFunc = func()

type intentKind int

const (
	intentRegister intentKind = iota
	intentUnregister
	intentArmTimer
	intentCancelTimer
)

type intent struct {
	kind     intentKind
	fd       int
	handler  Handler
	endpoint byte
	key      string
	delay    time.Duration
	timerFn  TimerFunc
}

// timerEntry is one scheduled callback, ordered by deadline with ties
// broken by insertion sequence (matching the ordering rule: ready fds drain
// first, then expired timers fire in deadline order, ties by insertion
// order).
type timerEntry struct {
	endpoint byte
	key      string
	deadline time.Time
	seq      uint64
	fn       TimerFunc
	index    int // heap.Interface bookkeeping
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Loop is the single-threaded epoll + timer-heap event loop.
type Loop struct {
	epfd   int
	logger *slog.Logger

	mu      sync.Mutex
	intents []intent

	handlers   map[int]Handler
	registered []int // registration order, for reverse-order shutdown

	timers     map[timerID]*timerEntry
	heapData   timerHeap
	timerSeq   uint64

	stop chan struct{}
	done chan struct{}
}

type timerID struct {
	endpoint byte
	key      string
}

const maxEvents = 64

// New creates a Loop with its own epoll instance.
func New(logger *slog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		epfd:     epfd,
		logger:   logger,
		handlers: map[int]Handler{},
		timers:   map[timerID]*timerEntry{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Register arms fd for read-readiness and associates handler with it.
// Safe to call from any goroutine; applied before the loop's next sweep.
func (l *Loop) Register(fd int, handler Handler) {
	l.pushIntent(intent{kind: intentRegister, fd: fd, handler: handler})
}

// Unregister removes fd from epoll. It does not touch any timers; callers
// cancel those separately via CancelTimer, matching the ownership split
// between Driver (fds) and Core (timers) — Core already cancels an
// endpoint's retransmit/ack timers as part of its own state transitions
// (resetSequenceState, transitionToError) before an fd would ever be
// unregistered, so in practice no timer outlives its fd.
func (l *Loop) Unregister(fd int) {
	l.pushIntent(intent{kind: intentUnregister, fd: fd})
}

// ArmTimer schedules fn to run after d, keyed by (endpoint, key). Re-arming
// the same key replaces the previous deadline. Implements core.Scheduler.
func (l *Loop) ArmTimer(endpoint byte, key string, d time.Duration, fn TimerFunc) {
	l.pushIntent(intent{kind: intentArmTimer, endpoint: endpoint, key: key, delay: d, timerFn: fn})
}

// CancelTimer cancels a previously armed timer, a no-op if none is armed.
// Implements core.Scheduler.
func (l *Loop) CancelTimer(endpoint byte, key string) {
	l.pushIntent(intent{kind: intentCancelTimer, endpoint: endpoint, key: key})
}

func (l *Loop) pushIntent(i intent) {
	l.mu.Lock()
	l.intents = append(l.intents, i)
	l.mu.Unlock()
}

func (l *Loop) drainIntents() {
	l.mu.Lock()
	pending := l.intents
	l.intents = nil
	l.mu.Unlock()

	for _, i := range pending {
		switch i.kind {
		case intentRegister:
			l.applyRegister(i.fd, i.handler)
		case intentUnregister:
			l.applyUnregister(i.fd)
		case intentArmTimer:
			l.applyArmTimer(i.endpoint, i.key, i.delay, i.timerFn)
		case intentCancelTimer:
			l.applyCancelTimer(i.endpoint, i.key)
		}
	}
}

func (l *Loop) applyRegister(fd int, handler Handler) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.logger.Error("epoll_ctl add failed", "fd", fd, "error", err)
		return
	}
	l.handlers[fd] = handler
	l.mu.Lock()
	l.registered = append(l.registered, fd)
	l.mu.Unlock()
}

func (l *Loop) applyUnregister(fd int) {
	if _, ok := l.handlers[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.handlers, fd)
	l.mu.Lock()
	for i, f := range l.registered {
		if f == fd {
			l.registered = append(l.registered[:i], l.registered[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

func (l *Loop) applyArmTimer(endpoint byte, key string, d time.Duration, fn TimerFunc) {
	id := timerID{endpoint, key}
	if existing, ok := l.timers[id]; ok {
		existing.canceled = true
	}
	l.timerSeq++
	e := &timerEntry{
		endpoint: endpoint,
		key:      key,
		deadline: time.Now().Add(d),
		seq:      l.timerSeq,
		fn:       fn,
	}
	l.timers[id] = e
	heap.Push(&l.heapData, e)
}

func (l *Loop) applyCancelTimer(endpoint byte, key string) {
	id := timerID{endpoint, key}
	if e, ok := l.timers[id]; ok {
		e.canceled = true
		delete(l.timers, id)
	}
}

// nextTimeout returns the duration until the earliest live timer, or -1 if
// none are armed (meaning epoll_wait blocks indefinitely).
func (l *Loop) nextTimeout() time.Duration {
	for l.heapData.Len() > 0 && l.heapData[0].canceled {
		heap.Pop(&l.heapData)
	}
	if l.heapData.Len() == 0 {
		return -1
	}
	d := time.Until(l.heapData[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

// fireExpiredTimers runs every timer whose deadline has passed, in deadline
// order with ties broken by insertion order.
func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	for l.heapData.Len() > 0 {
		next := l.heapData[0]
		if next.canceled {
			heap.Pop(&l.heapData)
			continue
		}
		if next.deadline.After(now) {
			return
		}
		heap.Pop(&l.heapData)
		delete(l.timers, timerID{next.endpoint, next.key})
		next.fn()
	}
}

// Run blocks, dispatching readiness and timer events until Stop is called.
// Once Stop is called, Run returns at the top of its next sweep without
// running further handlers or timers; it neither closes nor releases the
// registered fds, which stay with whoever registered them.
func (l *Loop) Run() error {
	defer close(l.done)
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		l.drainIntents()

		timeoutMs := -1
		if d := l.nextTimeout(); d >= 0 {
			timeoutMs = int(d / time.Millisecond)
			if timeoutMs < 0 {
				timeoutMs = 0
			}
		}

		n, err := unix.EpollWait(l.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if handler, ok := l.handlers[fd]; ok {
				handler()
			}
		}

		l.fireExpiredTimers()
	}
}

// Stop requests the loop exit and blocks until Run returns.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// Close releases the epoll fd. Call after Run has returned.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// RegisteredOrder returns fds in registration order, for components that
// need to release resources in reverse registration order on shutdown.
func (l *Loop) RegisteredOrder() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.registered))
	copy(out, l.registered)
	return out
}
