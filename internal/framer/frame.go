// Package framer implements the HDLC-like link-layer frame codec for the
// CPC wire protocol: a 7-byte header (flag, address, length, control,
// header CRC) optionally followed by a payload and its own CRC. All
// multi-byte fields are little-endian.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Flag is the fixed marker byte that opens every frame header.
const Flag byte = 0x14

// HeaderSize is the size in bytes of the fixed frame header.
const HeaderSize = 7

// CRCSize is the size in bytes of a CRC-16 field.
const CRCSize = 2

// DefaultMTU is the default maximum payload length accepted by the decoder,
// the largest payload that still fits one frame after HDLC overhead and an
// AEAD tag on a typical secondary's receive buffer.
const DefaultMTU = 4087

// FrameType identifies the outermost class of a frame.
type FrameType uint8

const (
	TypeInformation FrameType = iota
	TypeSupervisory
	TypeUnnumbered
)

func (t FrameType) String() string {
	switch t {
	case TypeInformation:
		return "I"
	case TypeSupervisory:
		return "S"
	case TypeUnnumbered:
		return "U"
	default:
		return "?"
	}
}

// SFunction is the supervisory subtype carried by S-frames.
type SFunction uint8

const (
	SFunctionRR SFunction = iota
	SFunctionREJ
)

// UFunction is the unnumbered subtype carried by U-frames.
type UFunction uint8

const (
	UFunctionInformation UFunction = iota
	UFunctionReset
	UFunctionAck
)

// Control is the decoded form of the single-byte control field. Only the
// subfields relevant to a frame's Type are meaningful; see Pack/unpack.
type Control struct {
	Type      FrameType
	Seq       uint8 // I-frame only, 0-7
	Ack       uint8 // I/S-frame only, 0-7
	SFunc     SFunction
	UFunc     UFunction
	PollFinal bool
}

// Bit layout of the control byte (LSB first):
//
//	bit0: 0 => Information frame, 1 => S or U frame
//	  Information:   bits[1:4)=seq, bit4=poll/final, bits[5:8)=ack
//	  bit1: 0 => Supervisory, 1 => Unnumbered
//	    Supervisory: bits[2:4)=S-function, bit4=poll/final, bits[5:8)=ack
//	    Unnumbered:  bits[2:6)=U-function, bit6=poll/final, bit7 reserved
const (
	iFrameBit    = 0x01
	uFrameBit    = 0x02
	seqShift     = 1
	seqMask      = 0x07
	sFuncShift   = 2
	sFuncMask    = 0x03
	iPollBit     = 1 << 4
	sPollBit     = 1 << 4
	ackShiftI    = 5
	ackShiftS    = 5
	ackMask      = 0x07
	uFuncShift   = 2
	uFuncMask    = 0x0F
	uPollBit     = 1 << 6
)

// Pack encodes the Control into its single-byte wire representation.
func (c Control) Pack() byte {
	switch c.Type {
	case TypeInformation:
		var b byte
		b |= (c.Seq & seqMask) << seqShift
		if c.PollFinal {
			b |= iPollBit
		}
		b |= (c.Ack & ackMask) << ackShiftI
		return b
	case TypeSupervisory:
		b := byte(iFrameBit)
		b |= (byte(c.SFunc) & sFuncMask) << sFuncShift
		if c.PollFinal {
			b |= sPollBit
		}
		b |= (c.Ack & ackMask) << ackShiftS
		return b
	case TypeUnnumbered:
		b := byte(iFrameBit | uFrameBit)
		b |= (byte(c.UFunc) & uFuncMask) << uFuncShift
		if c.PollFinal {
			b |= uPollBit
		}
		return b
	default:
		return 0
	}
}

// UnpackControl decodes a single control byte.
func UnpackControl(b byte) Control {
	if b&iFrameBit == 0 {
		return Control{
			Type:      TypeInformation,
			Seq:       (b >> seqShift) & seqMask,
			PollFinal: b&iPollBit != 0,
			Ack:       (b >> ackShiftI) & ackMask,
		}
	}
	if b&uFrameBit == 0 {
		return Control{
			Type:      TypeSupervisory,
			SFunc:     SFunction((b >> sFuncShift) & sFuncMask),
			PollFinal: b&sPollBit != 0,
			Ack:       (b >> ackShiftS) & ackMask,
		}
	}
	return Control{
		Type:      TypeUnnumbered,
		UFunc:     UFunction((b >> uFuncShift) & uFuncMask),
		PollFinal: b&uPollBit != 0,
	}
}

// Frame is a fully decoded link-layer PDU.
type Frame struct {
	Address byte
	Control Control
	Payload []byte
}

var (
	// ErrPayloadTooLarge is returned by Encode when the payload exceeds the MTU.
	ErrPayloadTooLarge = errors.New("framer: payload exceeds maximum frame size")
)

// Encoder turns (address, control, payload) tuples into wire bytes.
type Encoder struct {
	MTU int
}

// NewEncoder returns an Encoder enforcing DefaultMTU.
func NewEncoder() *Encoder {
	return &Encoder{MTU: DefaultMTU}
}

// Encode serializes a frame. It fails only when the payload is oversized.
func (e *Encoder) Encode(address byte, ctrl Control, payload []byte) ([]byte, error) {
	mtu := e.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if len(payload) > mtu {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), mtu)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload)+CRCSize)
	out[0] = Flag
	out[1] = address
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	out[4] = ctrl.Pack()
	hcrc := crc16ccitt(out[:5])
	binary.LittleEndian.PutUint16(out[5:7], hcrc)

	if len(payload) > 0 {
		out = append(out, payload...)
		pcrc := crc16ccitt(payload)
		var crcBuf [2]byte
		binary.LittleEndian.PutUint16(crcBuf[:], pcrc)
		out = append(out, crcBuf[:]...)
	}
	return out, nil
}

// HeaderBytes returns the 7-byte wire header (including its CRC) for the
// given fields without touching any payload. Security uses this to bind
// AEAD associated data to the exact header Encode will later emit, since
// encryption must happen before the final Encode call once payloadLen
// (the ciphertext length, already including the AEAD tag) is known.
func HeaderBytes(address byte, ctrl Control, payloadLen int) []byte {
	out := make([]byte, HeaderSize)
	out[0] = Flag
	out[1] = address
	binary.LittleEndian.PutUint16(out[2:4], uint16(payloadLen))
	out[4] = ctrl.Pack()
	hcrc := crc16ccitt(out[:5])
	binary.LittleEndian.PutUint16(out[5:7], hcrc)
	return out
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{addr=%d type=%s seq=%d ack=%d pf=%v len=%d}",
		f.Address, f.Control.Type, f.Control.Seq, f.Control.Ack, f.Control.PollFinal, len(f.Payload))
}
