package core

import (
	"github.com/wireco/cpcd/internal/framer"
)

// Open begins the open/reset handshake for endpoint id: sequence numbers
// reset to 0, a U-Reset is emitted, and the endpoint transitions to Open
// once the peer's U-Ack arrives (see handleUFrame). Opening an already-open
// endpoint is a no-op.
func (c *Core) Open(id byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpointLocked(id)
	if ep.State == StateOpen {
		return nil
	}
	if ep.State != StateClosed {
		return ErrEndpointNotOpen
	}

	ep.ClientAttached = true
	c.resetSequenceState(ep)
	ep.openPending = true
	return c.sendReset(ep)
}

// Close performs a local close: Closed → Closed is a no-op (idempotent);
// Open → Closing flushes the RX queue, rejects further writes, and emits a
// U-Reset to tear the endpoint down on the peer side too.
func (c *Core) Close(id byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpointLocked(id)
	if ep.State == StateClosed {
		return nil
	}

	ep.ClientAttached = false
	ep.rxQueue = nil
	ep.pendingWrites = nil
	ep.State = StateClosing
	ep.openPending = true
	return c.sendReset(ep)
}

func (c *Core) sendReset(ep *Endpoint) error {
	ctrl := framer.Control{Type: framer.TypeUnnumbered, UFunc: framer.UFunctionReset, PollFinal: true}
	return c.sink.SendFrame(ep.ID, ctrl, nil)
}

func (c *Core) sendAck(ep *Endpoint) error {
	ctrl := framer.Control{Type: framer.TypeUnnumbered, UFunc: framer.UFunctionAck, PollFinal: true}
	return c.sink.SendFrame(ep.ID, ctrl, nil)
}

func (c *Core) resetSequenceState(ep *Endpoint) {
	ep.nextTX = 0
	ep.expectedRX = 0
	ep.retransmitQueue = nil
	ep.pendingWrites = nil
	ep.retryCount = 0
	ep.rto = c.cfg.RTOInitial
	c.cancelRetransmitTimer(ep)
	c.sched.CancelTimer(ep.ID, ackTimerKey)
	ep.ackArmed = false
}

// handleUFrame implements U-Reset/U-Ack/U-Information and the simultaneous
// reset tie-break from spec.md §4.2.
func (c *Core) handleUFrame(ep *Endpoint, f *framer.Frame) error {
	switch f.Control.UFunc {
	case framer.UFunctionReset:
		return c.handlePeerReset(ep)
	case framer.UFunctionAck:
		c.handlePeerAck(ep)
		return nil
	case framer.UFunctionInformation:
		deliver(ep, f.Payload)
		return nil
	default:
		return nil
	}
}

// handlePeerReset reacts to an unsolicited or simultaneous U-Reset from the
// peer. A simultaneous reset (we also have one in flight, ep.openPending)
// is resolved by treating the received U-Reset as authoritative and never
// expecting our own U-Ack.
func (c *Core) handlePeerReset(ep *Endpoint) error {
	ep.openPending = false

	c.resetSequenceState(ep)
	if err := c.sendAck(ep); err != nil {
		return err
	}

	if ep.ClientAttached {
		ep.State = StateOpen
		if c.notify != nil {
			c.notify.EndpointOpened(ep.ID)
		}
	} else {
		ep.State = StateClosed
	}

	return nil
}

// handlePeerAck completes a locally initiated open or close handshake.
func (c *Core) handlePeerAck(ep *Endpoint) {
	if !ep.openPending {
		return
	}
	ep.openPending = false

	switch ep.State {
	case StateClosing:
		ep.State = StateClosed
		if c.notify != nil {
			c.notify.EndpointClosed(ep.ID, ErrorNone)
		}
	default:
		ep.State = StateOpen
		if c.notify != nil {
			c.notify.EndpointOpened(ep.ID)
		}
	}
}

// transitionToError moves an endpoint into Error(reason), tearing down its
// ARQ state and notifying the client side. Error endpoints never
// auto-reopen, and Open refuses them: the endpoint has to be closed (Close,
// then the peer's U-Ack) before it can be opened again.
func (c *Core) transitionToError(ep *Endpoint, reason ErrorReason) {
	ep.State = StateError
	ep.Err = reason
	ep.retransmitQueue = nil
	ep.pendingWrites = nil
	c.cancelRetransmitTimer(ep)
	c.sched.CancelTimer(ep.ID, ackTimerKey)
	ep.ackArmed = false
	ep.openPending = false

	if c.notify != nil {
		c.notify.EndpointClosed(ep.ID, reason)
	}
}

// LinkReset handles an unexpected peer-initiated link-wide reset (spec.md
// §7, case 3): every endpoint drops its state and returns to Closed,
// sequence numbers will start at 0 again on the next Open, and callers are
// expected to re-run system-endpoint discovery and signal clients.
func (c *Core) LinkReset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ep := range c.endpoints {
		if ep == nil {
			continue
		}
		wasOpen := ep.State == StateOpen || ep.State == StateClosing
		c.resetSequenceState(ep)
		ep.State = StateClosed
		ep.Err = ErrorNone
		ep.ClientAttached = false
		if wasOpen && c.notify != nil {
			c.notify.EndpointClosed(ep.ID, ErrorNone)
		}
	}

	if c.notify != nil {
		c.notify.LinkReset()
	}
}
