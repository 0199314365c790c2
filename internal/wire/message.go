// Package wire defines the binary message format exchanged over the
// control socket and endpoint sockets between cpcd and its local clients.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the kind of control-socket request or reply.
type MessageType byte

const (
	TypeVersionQuery       MessageType = 1
	TypeMaxWriteSizeQuery  MessageType = 2
	TypeSetPid             MessageType = 3
	TypeOpenEndpointQuery  MessageType = 4
	TypeCloseEndpointQuery MessageType = 5
	TypeEndpointStatusQuery MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeVersionQuery:
		return "VersionQuery"
	case TypeMaxWriteSizeQuery:
		return "MaxWriteSizeQuery"
	case TypeSetPid:
		return "SetPid"
	case TypeOpenEndpointQuery:
		return "OpenEndpointQuery"
	case TypeCloseEndpointQuery:
		return "CloseEndpointQuery"
	case TypeEndpointStatusQuery:
		return "EndpointStatusQuery"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

// ProtocolVersion is the current control-socket wire version. A mismatched
// VersionQuery reply carries this value so the client can detect skew and
// abort its own initialization.
const ProtocolVersion byte = 1

// MaxPayloadLen bounds a single control-socket message's payload, matching
// the framer's MTU ceiling so a message can always be relayed as one I-frame
// payload without further fragmentation.
const MaxPayloadLen = 4087

// ErrPayloadTooLarge is returned by Encode when payload exceeds MaxPayloadLen.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum length")

// ErrShortMessage is returned by Decode when the input is too short to
// contain a valid header.
var ErrShortMessage = errors.New("wire: message shorter than header")

// Message is the control-socket wire structure: a one-byte type, a one-byte
// endpoint id (0 for messages not scoped to a specific endpoint), and a
// variable-length payload.
type Message struct {
	Type     MessageType
	Endpoint byte
	Payload  []byte
}

// headerLen is type(1) + endpoint(1) + length(2, little-endian).
const headerLen = 4

// Encode serializes m into its wire representation.
func (m Message) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, headerLen+len(m.Payload))
	buf[0] = byte(m.Type)
	buf[1] = m.Endpoint
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(m.Payload)))
	copy(buf[headerLen:], m.Payload)
	return buf, nil
}

// Decode parses a Message from its wire representation. buf must be exactly
// one message (the control socket is message-preserving: SOCK_SEQPACKET or
// equivalent framing at the transport layer), not a byte stream.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerLen {
		return Message{}, ErrShortMessage
	}
	length := binary.LittleEndian.Uint16(buf[2:4])
	if int(length) != len(buf)-headerLen {
		return Message{}, fmt.Errorf("wire: declared length %d does not match buffer %d", length, len(buf)-headerLen)
	}
	payload := make([]byte, length)
	copy(payload, buf[headerLen:])
	return Message{
		Type:     MessageType(buf[0]),
		Endpoint: buf[1],
		Payload:  payload,
	}, nil
}

// WriteTo writes m to w as one discrete write call, relying on the
// underlying socket (SOCK_SEQPACKET/datagram Unix socket) to preserve
// message boundaries the way spec.md's "message-preserving" control socket
// requires.
func WriteTo(w io.Writer, m Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrom reads one discrete message from r into a fresh buffer sized by
// maxLen, then decodes it. Callers pass the socket's read buffer size as
// maxLen; a short read below headerLen yields ErrShortMessage.
func ReadFrom(r io.Reader, maxLen int) (Message, error) {
	buf := make([]byte, maxLen)
	n, err := r.Read(buf)
	if err != nil {
		return Message{}, err
	}
	return Decode(buf[:n])
}

// OpenEndpointAck is the zero-payload OpenEndpointQuery message the server
// sends immediately after accepting a connection on an endpoint socket, per
// spec.md §6's endpoint-socket handshake.
func OpenEndpointAck(endpoint byte) Message {
	return Message{Type: TypeOpenEndpointQuery, Endpoint: endpoint}
}

// VersionReply builds the VersionQuery reply payload: a single version byte.
// A client comparing this against its own ProtocolVersion detects skew and
// aborts initialization per spec.md §6.
func VersionReply() Message {
	return Message{Type: TypeVersionQuery, Payload: []byte{ProtocolVersion}}
}

// BoolPayload encodes a single boolean as a one-byte payload, used by
// OpenEndpointQuery replies (can_open) and similar yes/no responses.
func BoolPayload(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a one-byte boolean payload produced by BoolPayload.
func DecodeBool(payload []byte) (bool, error) {
	if len(payload) != 1 {
		return false, fmt.Errorf("wire: bool payload must be 1 byte, got %d", len(payload))
	}
	return payload[0] != 0, nil
}

// EndpointState mirrors core.State for wire transmission without importing
// the core package, keeping internal/wire dependency-free of the ARQ engine.
type EndpointState byte

const (
	StateClosed EndpointState = iota
	StateOpen
	StateClosing
	StateConnectionLost
	StateError
)

// EndpointStatusPayload encodes an EndpointStatusQuery reply: state byte
// followed by an error-reason byte (meaningful only when state is
// StateError).
type EndpointStatusPayload struct {
	State       EndpointState
	ErrorReason byte
}

// Encode serializes the status payload to its two-byte wire form.
func (s EndpointStatusPayload) Encode() []byte {
	return []byte{byte(s.State), s.ErrorReason}
}

// DecodeEndpointStatus parses an EndpointStatusQuery reply payload.
func DecodeEndpointStatus(payload []byte) (EndpointStatusPayload, error) {
	if len(payload) != 2 {
		return EndpointStatusPayload{}, fmt.Errorf("wire: endpoint status payload must be 2 bytes, got %d", len(payload))
	}
	return EndpointStatusPayload{State: EndpointState(payload[0]), ErrorReason: payload[1]}, nil
}
