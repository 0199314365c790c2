package security

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/logging"
)

// handshake message types exchanged over the security endpoint (id=14),
// implementing spec.md §4.3's four-step sequence.
type msgType byte

const (
	msgRequestID        msgType = 1
	msgBindingKeyIDReply msgType = 2
	msgEphemeralOffer    msgType = 3
	msgEphemeralReply    msgType = 4
)

// Handshake drives the ECDH handshake with the secondary over the security
// endpoint and feeds the result to a Worker. It implements core.Notifier so
// it can kick off a fresh handshake whenever the security endpoint opens
// (its initial open or any later reopen).
type Handshake struct {
	mu sync.Mutex

	core    *core.Core
	worker  *Worker
	binding Keypair
	logger  *slog.Logger

	local         Keypair
	sessionID     uint64
	awaitingOffer bool
	bindingKeyID  []byte

	// pendingKind is the command the worker should run once the in-flight
	// ephemeral offer's reply arrives: CmdInitSession for the first
	// handshake after the security endpoint opens, CmdRekey for a
	// threshold-triggered rekey over an already-established session.
	pendingKind CommandKind

	inner core.Notifier
}

// NewHandshake creates a Handshake bound to c and w, authenticating with
// binding's static key. Handshake implements core.Notifier: install it as
// Core's top-level notifier (wrapping whatever notifier chain the system
// endpoint/ServerCore already form via SetInner) so it learns the instant
// the security endpoint finishes its own open handshake.
func NewHandshake(c *core.Core, w *Worker, binding Keypair, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handshake{core: c, worker: w, binding: binding, logger: logger}
}

// SetInner wires the notifier that should also observe lifecycle events not
// related to the security endpoint (typically the system endpoint).
func (h *Handshake) SetInner(n core.Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner = n
}

// EndpointOpened implements core.Notifier: once the security endpoint's own
// open handshake completes, the ECDH handshake begins.
func (h *Handshake) EndpointOpened(id byte) {
	if id == core.SecurityEndpointID {
		if err := h.sendRequestID(); err != nil {
			h.logger.Error("failed to send handshake RequestId", logging.KeyError, err)
		}
	}
	if inner := h.innerNotifier(); inner != nil {
		inner.EndpointOpened(id)
	}
}

// EndpointClosed implements core.Notifier.
func (h *Handshake) EndpointClosed(id byte, reason core.ErrorReason) {
	if inner := h.innerNotifier(); inner != nil {
		inner.EndpointClosed(id, reason)
	}
}

// LinkReset implements core.Notifier.
func (h *Handshake) LinkReset() {
	if inner := h.innerNotifier(); inner != nil {
		inner.LinkReset()
	}
}

func (h *Handshake) innerNotifier() core.Notifier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner
}

// Start opens the security endpoint; the RequestId message that actually
// begins the handshake is sent once EndpointOpened fires for it.
func (h *Handshake) Start() error {
	return h.core.Open(core.SecurityEndpointID)
}

func (h *Handshake) sendRequestID() error {
	return h.core.Write(core.SecurityEndpointID, []byte{byte(msgRequestID)})
}

// PollInbound drains the security endpoint's delivered payloads and drives
// the handshake state machine. The daemon's pollNotifications goroutine
// calls this whenever the security endpoint's RXReady channel fires.
func (h *Handshake) PollInbound() {
	for {
		payload, ok := h.core.PopRX(core.SecurityEndpointID)
		if !ok {
			return
		}
		if err := h.handlePayload(payload); err != nil {
			h.logger.Error("handshake message handling failed", logging.KeyError, err)
		}
	}
}

func (h *Handshake) handlePayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("security: empty handshake message")
	}
	switch msgType(payload[0]) {
	case msgBindingKeyIDReply:
		return h.handleBindingKeyIDReply(payload[1:])
	case msgEphemeralReply:
		return h.handleEphemeralReply(payload[1:])
	case msgRequestID, msgEphemeralOffer:
		// These originate from this side; an inbound copy means the
		// secondary is echoing. Ignore.
		return nil
	default:
		return fmt.Errorf("security: unknown handshake message type %d", payload[0])
	}
}

func (h *Handshake) handleBindingKeyIDReply(keyID []byte) error {
	h.mu.Lock()
	h.bindingKeyID = append([]byte(nil), keyID...)
	h.mu.Unlock()
	h.logger.Info("secondary binding key id received", "key_id", KeyString([KeySize]byte(padKey(keyID))))

	return h.sendEphemeralOffer(CmdInitSession)
}

// sendEphemeralOffer generates a fresh local ephemeral keypair and session
// ID, records kind as the command to run against the worker once the
// matching reply arrives, and sends the offer over the security endpoint.
// Shared by the initial handshake (after the binding key ID exchange) and
// Rekey (which skips straight to a new offer, since the binding key is
// already known).
func (h *Handshake) sendEphemeralOffer(kind CommandKind) error {
	local, err := NewKeypair()
	if err != nil {
		return fmt.Errorf("security: generate ephemeral keypair: %w", err)
	}
	var sessionIDBuf [8]byte
	if _, err := rand.Read(sessionIDBuf[:]); err != nil {
		return fmt.Errorf("security: generate session id: %w", err)
	}
	sessionID := binary.LittleEndian.Uint64(sessionIDBuf[:])

	h.mu.Lock()
	h.local = local
	h.sessionID = sessionID
	h.awaitingOffer = true
	h.pendingKind = kind
	h.mu.Unlock()

	msg := make([]byte, 1+KeySize+8)
	msg[0] = byte(msgEphemeralOffer)
	copy(msg[1:1+KeySize], local.PublicKey[:])
	binary.LittleEndian.PutUint64(msg[1+KeySize:], sessionID)
	return h.core.Write(core.SecurityEndpointID, msg)
}

// Rekey starts a fresh ECDH exchange over the already-open security
// endpoint, reusing the established binding key ID: Core calls this (via
// the daemon's rekey driver) once RekeyRequests signals that an encrypted
// endpoint's frame counter has crossed security.RekeyThreshold. Core
// backpressures Write on every encrypted endpoint until the matching
// CmdRekey reply arrives and EndRekey is called.
func (h *Handshake) Rekey() error {
	if err := h.sendEphemeralOffer(CmdRekey); err != nil {
		h.core.EndRekey()
		return fmt.Errorf("security: rekey offer failed: %w", err)
	}
	return nil
}

func (h *Handshake) handleEphemeralReply(payload []byte) error {
	if len(payload) != KeySize {
		return fmt.Errorf("security: ephemeral reply must be %d bytes, got %d", KeySize, len(payload))
	}
	var remotePub [KeySize]byte
	copy(remotePub[:], payload)

	h.mu.Lock()
	local := h.local
	sessionID := h.sessionID
	kind := h.pendingKind
	h.awaitingOffer = false
	h.mu.Unlock()

	reply := make(chan Reply, 1)
	h.worker.Commands() <- Command{
		Kind:            kind,
		LocalEphemeral:  local,
		RemoteEphemeral: remotePub,
		BindingPrivate:  h.binding.PrivateKey,
		SessionID:       sessionID,
		Reply:           reply,
	}
	r := <-reply
	if kind == CmdRekey {
		h.core.EndRekey()
	}
	if r.Err != nil {
		return fmt.Errorf("security: session init failed: %w", r.Err)
	}
	if kind == CmdRekey {
		h.logger.Info("security session rekeyed", "session_id", sessionID)
	} else {
		h.logger.Info("security session established", "session_id", sessionID)
	}
	return nil
}

// Rehandshake resets the worker's session and calls Start. Start opens the
// security endpoint only if it is Closed, and the RequestId goes out once
// that open completes; on an endpoint that is still Open, Start does nothing
// and no new handshake begins. Nothing in the daemon calls Rehandshake, so
// neither a security incident nor a link reset restarts the handshake.
func (h *Handshake) Rehandshake() error {
	reply := make(chan Reply, 1)
	h.worker.Commands() <- Command{Kind: CmdResetSession, Reply: reply}
	<-reply
	return h.Start()
}

func padKey(b []byte) []byte {
	if len(b) >= KeySize {
		return b[:KeySize]
	}
	out := make([]byte, KeySize)
	copy(out, b)
	return out
}
