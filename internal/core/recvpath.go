package core

import (
	"errors"

	"github.com/wireco/cpcd/internal/framer"
)

// handleIFrame implements the receive-path rules of spec.md §4.2 for a
// single inbound Information frame.
func (c *Core) handleIFrame(ep *Endpoint, f *framer.Frame) error {
	c.applyAck(ep, f.Control.Ack)

	seq := f.Control.Seq
	switch {
	case seq == ep.expectedRX:
		payload, err := c.decryptIfNeeded(ep, f.Control, f.Payload)
		if err != nil {
			if errors.Is(err, ErrSecurityIncident) {
				c.transitionToError(ep, ErrorSecurityIncident)
				return nil
			}
			// Ordinary tag mismatch: treated as a transient fault, reject
			// and let the sender retransmit.
			return c.sendREJ(ep)
		}
		deliver(ep, payload)
		ep.expectedRX = (ep.expectedRX + 1) % seqModulo
		c.scheduleDelayedAck(ep)

	case seq == (ep.expectedRX+seqModulo-1)%seqModulo:
		// Already-received duplicate: drop payload, re-ack current state.
		return c.sendRR(ep)

	default:
		// Gap: no out-of-order buffering, reject at the expected sequence.
		return c.sendREJ(ep)
	}
	return nil
}

// deliver appends payload to the endpoint's RX queue and signals
// RXReady without blocking; the queue itself is unbounded so an exactly-
// once delivered payload is never dropped for want of buffer space.
func deliver(ep *Endpoint, payload []byte) {
	ep.rxQueue = append(ep.rxQueue, payload)
	select {
	case ep.rxReady <- struct{}{}:
	default:
	}
}

// decryptIfNeeded authenticates and opens an encrypted I-frame's payload.
// The AEAD nonce counter is never the wire's mod-8 ARQ sequence number: it
// is the session's own unbounded per-endpoint counter, which SessionKey
// advances by exactly one per Decrypt call the same way it advances the TX
// counter by one per Encrypt call. That works out to the same counter the
// sender used because decryptIfNeeded is only ever reached once per
// distinct accepted frame (duplicates and out-of-order frames take the
// other branches in handleIFrame), so the two sides' call counts stay in
// lock-step for as long as the session key itself is unchanged.
func (c *Core) decryptIfNeeded(ep *Endpoint, ctrl framer.Control, payload []byte) ([]byte, error) {
	if !ep.Encrypted {
		return payload, nil
	}
	// The associated data is the header exactly as the sender emitted it.
	ad := framer.HeaderBytes(ep.ID, ctrl, len(payload))
	return c.security.Decrypt(ep.ID, payload, ad)
}

// handleSFrame implements RR/REJ supervisory handling.
func (c *Core) handleSFrame(ep *Endpoint, f *framer.Frame) error {
	c.applyAck(ep, f.Control.Ack)

	if f.Control.SFunc == framer.SFunctionREJ {
		c.handleREJ(ep, f.Control.Ack)
	}
	return nil
}

// handleREJ implements go-back-N: every outstanding frame from the rejected
// sequence number onward is resent, in order. A REJ for an already-acked
// sequence matches nothing here because the earlier ack already removed it
// from the queue.
func (c *Core) handleREJ(ep *Endpoint, rejectSeq uint8) {
	start := -1
	for i, tf := range ep.retransmitQueue {
		if tf.Seq == rejectSeq {
			start = i
			break
		}
	}
	if start < 0 {
		return
	}
	for _, tf := range ep.retransmitQueue[start:] {
		ctrl := framer.Control{Type: framer.TypeInformation, Seq: tf.Seq, Ack: ep.expectedRX, PollFinal: true}
		if err := c.sink.SendFrame(ep.ID, ctrl, tf.Payload); err != nil {
			c.logger.Error("REJ retransmit failed", "endpoint", ep.ID, "error", err)
		}
	}
}

// applyAck removes every outstanding frame with seq < ack from the
// retransmit queue, wakes blocked writers by draining pending writes into
// the freed window, and cancels the retransmit timer once the queue empties.
func (c *Core) applyAck(ep *Endpoint, ack uint8) {
	// An ack behind the oldest outstanding frame is stale (everything it
	// covers was acked already) and removes nothing.
	if len(ep.retransmitQueue) == 0 || int(seqDistance(ep.retransmitQueue[0].Seq, ack)) > len(ep.retransmitQueue) {
		return
	}
	removed := false
	for i := 0; i < seqModulo && len(ep.retransmitQueue) > 0; i++ {
		if ep.retransmitQueue[0].Seq == ack {
			break
		}
		ep.retransmitQueue = ep.retransmitQueue[1:]
		removed = true
	}
	if removed {
		ep.retryCount = 0
		ep.rto = c.cfg.RTOInitial
		if len(ep.retransmitQueue) == 0 {
			c.cancelRetransmitTimer(ep)
		}
		c.drainPending(ep)
	}
}

func (c *Core) sendRR(ep *Endpoint) error {
	ctrl := framer.Control{Type: framer.TypeSupervisory, SFunc: framer.SFunctionRR, Ack: ep.expectedRX}
	return c.sink.SendFrame(ep.ID, ctrl, nil)
}

func (c *Core) sendREJ(ep *Endpoint) error {
	ctrl := framer.Control{Type: framer.TypeSupervisory, SFunc: framer.SFunctionREJ, Ack: ep.expectedRX}
	return c.sink.SendFrame(ep.ID, ctrl, nil)
}

// scheduleDelayedAck arms the ack-timer so a standalone RR goes out if no
// outbound traffic piggybacks the ack within AckTimerDelay.
func (c *Core) scheduleDelayedAck(ep *Endpoint) {
	if ep.ackArmed {
		return
	}
	ep.ackArmed = true
	c.sched.ArmTimer(ep.ID, ackTimerKey, c.cfg.AckTimerDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ep.ackArmed = false
		if ep.State == StateOpen {
			c.sendRR(ep)
		}
	})
}
