package sysendpoint

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/logging"
)

// ResetCause classifies why the last LinkReset notification fired.
type ResetCause byte

const (
	ResetCauseUnknown ResetCause = iota
	ResetCauseLocal
	ResetCauseRemote
)

// SysEndpoint owns endpoint 0: it answers property get/set queries from the
// secondary, emits U-Information notifications for endpoint lifecycle
// events, and tells ServerCore whether a local client may attach to a given
// endpoint. It implements core.Notifier and wraps an inner Notifier (the
// ServerCore) so both sides of the system observe every lifecycle event.
type SysEndpoint struct {
	mu sync.Mutex

	core   *core.Core
	logger *slog.Logger
	inner  core.Notifier

	version        byte
	capabilities   uint32
	bootloaderInfo []byte
	lastResetCause ResetCause
}

// New creates a SysEndpoint bound to c. version and capabilities are
// reported verbatim in response to PropProtocolVersion/PropCapabilities
// queries from the secondary.
func New(c *core.Core, version byte, capabilities uint32, logger *slog.Logger) *SysEndpoint {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &SysEndpoint{
		core:         c,
		logger:       logger,
		version:      version,
		capabilities: capabilities,
	}
}

// Start opens endpoint 0, performing the same U-Reset/U-Ack handshake as any
// other endpoint. The system endpoint is always "client-attached" to Core;
// there is no local socket gating it.
func (s *SysEndpoint) Start() error {
	return s.core.Open(core.SystemEndpointID)
}

// SetInner wires the notifier that should also observe lifecycle events
// (typically ServerCore, to gate and wake client-socket accepts).
func (s *SysEndpoint) SetInner(n core.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = n
}

// SetBootloaderInfo records the secondary's reported bootloader version
// string, surfaced back to clients via PropBootloaderInfo.
func (s *SysEndpoint) SetBootloaderInfo(info []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootloaderInfo = append([]byte(nil), info...)
}

// PollInbound drains endpoint 0's delivered payloads and dispatches each as
// a property or notification message. The daemon's pollNotifications
// goroutine calls this whenever endpoint 0's RXReady channel fires.
func (s *SysEndpoint) PollInbound() {
	for {
		payload, ok := s.core.PopRX(core.SystemEndpointID)
		if !ok {
			return
		}
		if err := s.handlePayload(payload); err != nil {
			s.logger.Error("system endpoint message handling failed", logging.KeyError, err)
		}
	}
}

func (s *SysEndpoint) handlePayload(payload []byte) error {
	msg, err := decodeMessage(payload)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MsgPropertyGet:
		return s.handleGet(PropertyID(msg.Field))
	case MsgPropertySet:
		return s.handleSet(PropertyID(msg.Field), msg.Value)
	case MsgPropertyReply, MsgNotifyOpened, MsgNotifyClosed, MsgNotifyReset:
		// Messages of these types originate from this side; seeing one
		// inbound means the secondary is echoing or misbehaving. Log and
		// ignore rather than treat as a protocol error.
		s.logger.Warn("unexpected inbound system message type", "type", msg.Type)
		return nil
	default:
		return fmt.Errorf("sysendpoint: unknown message type %d", msg.Type)
	}
}

func (s *SysEndpoint) handleGet(prop PropertyID) error {
	value, err := s.readProperty(prop)
	if err != nil {
		return err
	}
	reply := message{Type: MsgPropertyReply, Field: uint16(prop), Value: value}
	return s.core.WriteUnnumbered(core.SystemEndpointID, reply.encode())
}

func (s *SysEndpoint) handleSet(prop PropertyID, value []byte) error {
	if err := s.writeProperty(prop, value); err != nil {
		return err
	}
	// Echo the accepted value back as a reply, confirming the set.
	reply := message{Type: MsgPropertyReply, Field: uint16(prop), Value: value}
	return s.core.WriteUnnumbered(core.SystemEndpointID, reply.encode())
}

func (s *SysEndpoint) readProperty(prop PropertyID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch prop {
	case PropProtocolVersion:
		return []byte{s.version}, nil
	case PropCapabilities:
		return uint32ToBytes(s.capabilities), nil
	case PropBootloaderInfo:
		return append([]byte(nil), s.bootloaderInfo...), nil
	case PropLastResetCause:
		return []byte{byte(s.lastResetCause)}, nil
	}

	if id, ok := endpointFromProperty(prop); ok {
		snap := s.core.EndpointSnapshot(id)
		switch {
		case prop >= propEndpointStateBase && prop < propEndpointStateBase+256:
			return []byte{byte(snap.State)}, nil
		case prop >= propEndpointRxCapBase && prop < propEndpointRxCapBase+256:
			return []byte{byte(int(snap.Window) - snap.Outstanding)}, nil
		}
	}

	return nil, fmt.Errorf("sysendpoint: unknown property 0x%04x", uint16(prop))
}

func (s *SysEndpoint) writeProperty(prop PropertyID, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch prop {
	case PropBootloaderInfo:
		s.bootloaderInfo = append([]byte(nil), value...)
		return nil
	}
	return fmt.Errorf("sysendpoint: property 0x%04x is not settable", uint16(prop))
}

// CanOpen reports whether a local client may attach to endpoint id right
// now: the endpoint must exist within range and not already be claimed by
// another client. ServerCore consults this synchronously before accepting a
// connection on an endpoint socket.
func (s *SysEndpoint) CanOpen(id byte) bool {
	if id > core.MaxEndpointID || id == core.SystemEndpointID {
		return false
	}
	return !s.core.EndpointSnapshot(id).ClientAttached
}

// EndpointOpened implements core.Notifier: it emits a U-Information
// notification to the secondary and forwards to the wrapped notifier.
func (s *SysEndpoint) EndpointOpened(id byte) {
	s.notify(MsgNotifyOpened, uint16(id), nil)
	if inner := s.innerNotifier(); inner != nil {
		inner.EndpointOpened(id)
	}
}

// EndpointClosed implements core.Notifier.
func (s *SysEndpoint) EndpointClosed(id byte, reason core.ErrorReason) {
	s.notify(MsgNotifyClosed, uint16(id), []byte{byte(reason)})
	if inner := s.innerNotifier(); inner != nil {
		inner.EndpointClosed(id, reason)
	}
}

// LinkReset implements core.Notifier.
func (s *SysEndpoint) LinkReset() {
	s.mu.Lock()
	s.lastResetCause = ResetCauseRemote
	s.mu.Unlock()

	s.notify(MsgNotifyReset, 0, nil)
	if inner := s.innerNotifier(); inner != nil {
		inner.LinkReset()
	}
}

func (s *SysEndpoint) innerNotifier() core.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner
}

func (s *SysEndpoint) notify(msgType MessageType, field uint16, value []byte) {
	msg := message{Type: msgType, Field: field, Value: value}
	if id := core.SystemEndpointID; s.core.EndpointSnapshot(id).State != core.StateClosed {
		if err := s.core.WriteUnnumbered(id, msg.encode()); err != nil {
			s.logger.Error("failed to emit system endpoint notification", "type", msgType, logging.KeyError, err)
		}
	}
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
