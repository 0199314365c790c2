package core

import (
	"errors"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wireco/cpcd/internal/framer"
)

var (
	// ErrEndpointNotOpen is returned by Write when the endpoint cannot
	// accept client data right now.
	ErrEndpointNotOpen = errors.New("core: endpoint is not open")
	// ErrSecurityNotReady is the retriable error surfaced while the
	// security handshake has not yet completed on an encrypted endpoint.
	ErrSecurityNotReady = errors.New("core: security session not initialized, retry")
)

// Write submits one client payload for transmission on endpoint id. If the
// endpoint's send window is full the payload is queued and sent once
// earlier frames are acked; ordering of a client's writes is always
// preserved regardless of retransmissions.
func (c *Core) Write(id byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpointLocked(id)
	if ep == nil {
		return ErrEndpointNotOpen
	}
	if ep.State != StateOpen {
		return ErrEndpointNotOpen
	}
	if ep.Encrypted && !c.securityReady() {
		return ErrSecurityNotReady
	}

	if ep.Outstanding() >= int(ep.Window) {
		ep.pendingWrites = append(ep.pendingWrites, payload)
		return nil
	}

	return c.sendIFrame(ep, payload)
}

// securityReady reports whether Write may hand payload to the security
// worker right now: a session must exist, and no rekey may currently be in
// flight. The same ErrSecurityNotReady a not-yet-handshaked endpoint
// returns backpressures writes during a rekey too, since in both cases the
// client should simply retry shortly.
func (c *Core) securityReady() bool {
	return c.security != nil && c.security.Ready() && !c.rekeying
}

// WriteUnnumbered emits payload as a U-Information frame on endpoint id:
// fire-and-forget, no sequence number, no retransmit queue, no window
// accounting. Used only by the system endpoint for lifecycle notifications
// and property replies, where losing a frame to a line error is acceptable
// and re-running the ARQ machinery over endpoint 0 traffic is not worth it.
func (c *Core) WriteUnnumbered(id byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpointLocked(id)
	if ep == nil || ep.State != StateOpen {
		return ErrEndpointNotOpen
	}

	ctrl := framer.Control{Type: framer.TypeUnnumbered, UFunc: framer.UFunctionInformation, PollFinal: true}
	return c.sink.SendFrame(ep.ID, ctrl, payload)
}

// sendIFrame allocates the next sequence number, optionally encrypts the
// payload, enqueues it on the retransmit queue, and emits it.
func (c *Core) sendIFrame(ep *Endpoint, payload []byte) error {
	seq := ep.nextTX
	ack := ep.expectedRX

	outPayload := payload
	if ep.Encrypted {
		ctrl := framer.Control{Type: framer.TypeInformation, Seq: seq, Ack: ack, PollFinal: true}
		// The AEAD tag grows the wire payload; the associated data binds
		// to the header carrying that final length.
		finalLen := len(payload) + chacha20poly1305.Overhead
		ad := framer.HeaderBytes(ep.ID, ctrl, finalLen)
		ciphertext, counter, needsRekey, err := c.security.Encrypt(ep.ID, payload, ad)
		if err != nil {
			return err
		}
		_ = counter // the nonce counter is tracked by the security session itself
		if needsRekey {
			c.logger.Info("security rekey threshold reached", "endpoint", ep.ID)
			c.requestRekey(ep.ID)
		}
		outPayload = ciphertext
	}

	tf := &txFrame{Seq: seq, Payload: outPayload, SendTime: time.Now()}
	ep.retransmitQueue = append(ep.retransmitQueue, tf)
	ep.nextTX = (ep.nextTX + 1) % seqModulo

	ctrl := framer.Control{Type: framer.TypeInformation, Seq: seq, Ack: ack, PollFinal: true}
	if err := c.sink.SendFrame(ep.ID, ctrl, outPayload); err != nil {
		return err
	}

	// The pending ack went out piggybacked on this frame.
	if ep.ackArmed {
		c.sched.CancelTimer(ep.ID, ackTimerKey)
		ep.ackArmed = false
	}

	c.armRetransmitTimer(ep)
	return nil
}

// drainPending sends queued backpressured writes while window space is
// available, preserving submission order.
func (c *Core) drainPending(ep *Endpoint) {
	for len(ep.pendingWrites) > 0 && ep.Outstanding() < int(ep.Window) {
		payload := ep.pendingWrites[0]
		ep.pendingWrites = ep.pendingWrites[1:]
		if err := c.sendIFrame(ep, payload); err != nil {
			c.logger.Error("failed to drain pending write", "endpoint", ep.ID, "error", err)
			return
		}
	}
}

// retransmitTimeout fires when the per-endpoint RTO expires. It resends the
// oldest outstanding frame or declares the endpoint dead after max_retries.
func (c *Core) retransmitTimeout(ep *Endpoint) {
	ep.timerArmed = false
	if len(ep.retransmitQueue) == 0 {
		return
	}

	oldest := ep.retransmitQueue[0]
	ep.retryCount++
	if ep.retryCount > c.cfg.MaxRetries {
		c.transitionToError(ep, ErrorFaultNoAck)
		return
	}

	ctrl := framer.Control{Type: framer.TypeInformation, Seq: oldest.Seq, Ack: ep.expectedRX, PollFinal: true}
	if err := c.sink.SendFrame(ep.ID, ctrl, oldest.Payload); err != nil {
		c.logger.Error("retransmit send failed", "endpoint", ep.ID, "error", err)
	}

	ep.rto *= 2
	if ep.rto > c.cfg.RTOMax {
		ep.rto = c.cfg.RTOMax
	}
	c.armRetransmitTimer(ep)
}
