package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wireco/cpcd/internal/framer"
)

// FrameSink is how Core hands encoded frames to the Driver. Implementations
// must not block the caller for long; Core is invoked from the single
// event-loop goroutine.
type FrameSink interface {
	SendFrame(address byte, ctrl framer.Control, payload []byte) error
}

// Scheduler arms and cancels per-endpoint timers. Production code backs
// this with the EventLoop; tests can use a fake that fires synchronously.
type Scheduler interface {
	ArmTimer(endpoint byte, key string, d time.Duration, fn func())
	CancelTimer(endpoint byte, key string)
}

// SecurityClient is the subset of the security worker Core needs: encrypt
// and decrypt a payload for a given endpoint. Production code backs this
// with security.Worker's command channel.
type SecurityClient interface {
	Encrypt(endpoint byte, plaintext, associatedData []byte) (ciphertext []byte, counter uint64, needsRekey bool, err error)
	Decrypt(endpoint byte, ciphertext, associatedData []byte) (plaintext []byte, err error)
	Ready() bool
}

// Notifier receives lifecycle events Core produces, for ServerCore / the
// system endpoint / client-facing signaling to act on.
type Notifier interface {
	EndpointOpened(id byte)
	EndpointClosed(id byte, reason ErrorReason)
	LinkReset()
}

const (
	retransmitTimerKey = "retransmit"
	ackTimerKey        = "ack"
)

// Config tunes the ARQ engine; zero-value fields fall back to spec defaults.
type Config struct {
	RTOInitial    time.Duration
	RTOMax        time.Duration
	MaxRetries    int
	AckTimerDelay time.Duration
	MTU           int
}

func (c Config) withDefaults() Config {
	if c.RTOInitial <= 0 {
		c.RTOInitial = DefaultRTOInitial
	}
	if c.RTOMax <= 0 {
		c.RTOMax = DefaultRTOMax
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.AckTimerDelay <= 0 {
		c.AckTimerDelay = DefaultAckTimerDelay
	}
	if c.MTU <= 0 {
		c.MTU = framer.DefaultMTU
	}
	return c
}

// Core owns the dense endpoint table and drives the ARQ state machines. All
// exported methods are meant to be called from the single event-loop
// goroutine; the internal mutex is cheap insurance, not a concurrency
// strategy.
type Core struct {
	mu  sync.Mutex
	cfg Config

	endpoints [int(MaxEndpointID) + 1]*Endpoint

	sink     FrameSink
	sched    Scheduler
	security SecurityClient
	notify   Notifier
	logger   *slog.Logger

	rekeying bool
	rekeyCh  chan byte
}

// New creates a Core with all endpoints Closed.
func New(cfg Config, sink FrameSink, sched Scheduler, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		cfg:     cfg.withDefaults(),
		sink:    sink,
		sched:   sched,
		logger:  logger,
		rekeyCh: make(chan byte, 1),
	}
	return c
}

// SetSecurity wires the security worker client used to encrypt/decrypt
// frames on endpoints marked Encrypted. Nil disables encryption entirely.
func (c *Core) SetSecurity(s SecurityClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.security = s
}

// SetNotifier wires the lifecycle event sink.
func (c *Core) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = n
}

// RekeyRequests returns the channel Core signals on when an encrypted
// endpoint's frame counter has crossed security.RekeyThreshold. A rekey
// driver (cmd/cpcd's daemon, backed by security.Handshake) reads from this
// channel and runs a fresh ECDH exchange over the security endpoint, then
// calls EndRekey once the new session is installed.
func (c *Core) RekeyRequests() <-chan byte {
	return c.rekeyCh
}

// requestRekey signals the rekey driver at most once per outstanding
// rekey: c.rekeying latches true the instant the first endpoint crosses
// the threshold, so concurrent writes on other encrypted endpoints don't
// pile up redundant signals on rekeyCh. Must be called with c.mu held.
func (c *Core) requestRekey(endpoint byte) {
	if c.rekeying {
		return
	}
	c.rekeying = true
	select {
	case c.rekeyCh <- endpoint:
	default:
	}
}

// EndRekey clears the in-flight rekey flag, resuming normal Write
// backpressure. Called by the rekey driver once the new session key is
// installed (or the rekey attempt failed and gave up).
func (c *Core) EndRekey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rekeying = false
}

// Endpoint returns the endpoint table entry for id, creating it (Closed,
// default window, unencrypted) on first access.
func (c *Core) Endpoint(id byte) *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointLocked(id)
}

// Snapshot is a consistent point-in-time copy of the fields of an Endpoint
// that ServerCore and the system endpoint need to read from outside the
// event-loop goroutine.
type Snapshot struct {
	State          State
	Err            ErrorReason
	Window         uint8
	Outstanding    int
	ClientAttached bool
}

// EndpointSnapshot returns a copy of endpoint id's externally-visible
// state, taken under c.mu so it never races with frame processing.
func (c *Core) EndpointSnapshot(id byte) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpointLocked(id)
	if ep == nil {
		return Snapshot{}
	}
	return Snapshot{
		State:          ep.State,
		Err:            ep.Err,
		Window:         ep.Window,
		Outstanding:    ep.Outstanding(),
		ClientAttached: ep.ClientAttached,
	}
}

func (c *Core) endpointLocked(id byte) *Endpoint {
	if int(id) >= len(c.endpoints) {
		return nil
	}
	if c.endpoints[id] == nil {
		c.endpoints[id] = newEndpoint(id, DefaultWindow, false)
	}
	return c.endpoints[id]
}

// PopRX removes and returns the oldest payload delivered to endpoint id, in
// order, or ok=false if none is queued. Safe to call concurrently with
// frame processing; ServerCore uses this instead of touching Endpoint.rxQueue
// directly since that field is otherwise only ever mutated on the event-loop
// goroutine while holding c.mu.
func (c *Core) PopRX(id byte) (payload []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpointLocked(id)
	if ep == nil {
		return nil, false
	}
	return ep.PopRX()
}

// ConfigureEndpoint sets the window size and encryption requirement for an
// endpoint before it is opened.
func (c *Core) ConfigureEndpoint(id byte, window uint8, encrypted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpointLocked(id)
	if window >= MinWindow && window <= MaxWindow {
		ep.Window = window
	}
	ep.Encrypted = encrypted
}

// HandleInboundFrame dispatches one frame decoded by the Framer to the
// matching endpoint's state machine.
func (c *Core) HandleInboundFrame(f *framer.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpointLocked(f.Address)
	if ep == nil {
		c.logger.Warn("frame for out-of-range endpoint", "address", f.Address)
		return nil
	}

	switch f.Control.Type {
	case framer.TypeInformation:
		return c.handleIFrame(ep, f)
	case framer.TypeSupervisory:
		return c.handleSFrame(ep, f)
	case framer.TypeUnnumbered:
		return c.handleUFrame(ep, f)
	default:
		return fmt.Errorf("core: unknown frame type %v on endpoint %d", f.Control.Type, ep.ID)
	}
}

// HandleCorruptPayload reacts to a frame whose header validated but whose
// payload CRC did not, per the receive-path gap/duplicate handling: it is
// treated like any other need for retransmission by sending REJ at the
// endpoint's current expected sequence number.
func (c *Core) HandleCorruptPayload(f *framer.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpointLocked(f.Address)
	if ep == nil || ep.State != StateOpen {
		return nil
	}
	return c.sendREJ(ep)
}

func (c *Core) armRetransmitTimer(ep *Endpoint) {
	if ep.timerArmed || len(ep.retransmitQueue) == 0 {
		return
	}
	ep.timerArmed = true
	c.sched.ArmTimer(ep.ID, retransmitTimerKey, ep.rto, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.retransmitTimeout(ep)
	})
}

func (c *Core) cancelRetransmitTimer(ep *Endpoint) {
	if !ep.timerArmed {
		return
	}
	ep.timerArmed = false
	c.sched.CancelTimer(ep.ID, retransmitTimerKey)
}
