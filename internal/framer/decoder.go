package framer

import "encoding/binary"

// EventKind distinguishes the events a Decoder emits while draining a byte
// stream that may contain resync garbage and corrupt payloads alongside
// well-formed frames.
type EventKind int

const (
	// EventFrame carries a fully validated frame.
	EventFrame EventKind = iota
	// EventGarbage carries bytes discarded while resynchronizing on the flag.
	EventGarbage
	// EventCorruptPayload carries a frame whose header validated but whose
	// payload CRC did not; Core reacts by sending a REJ.
	EventCorruptPayload
)

// Event is one decoded unit of work handed back to Core.
type Event struct {
	Kind    EventKind
	Frame   *Frame // set for EventFrame and EventCorruptPayload
	Garbage []byte // set for EventGarbage
}

// Decoder incrementally decodes frames out of a byte stream that may
// contain transmission garbage. Feed bytes with Write, drain ready events
// with Drain. Decoder keeps no frame pointers alive past the Drain call
// that produced them.
type Decoder struct {
	MTU int
	buf []byte
}

// NewDecoder returns a Decoder enforcing DefaultMTU.
func NewDecoder() *Decoder {
	return &Decoder{MTU: DefaultMTU}
}

// Write appends bytes read off the wire to the decoder's internal buffer.
func (d *Decoder) Write(b []byte) {
	d.buf = append(d.buf, b...)
}

// Drain decodes as many complete events as the current buffer allows and
// appends them to out, returning the extended slice. Partial frames at the
// tail of the buffer are left buffered for the next call.
func (d *Decoder) Drain(out []Event) []Event {
	mtu := d.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	var garbage []byte
	flushGarbage := func() {
		if len(garbage) > 0 {
			out = append(out, Event{Kind: EventGarbage, Garbage: garbage})
			garbage = nil
		}
	}

	for {
		if len(d.buf) == 0 {
			break
		}
		if d.buf[0] != Flag {
			garbage = append(garbage, d.buf[0])
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < HeaderSize {
			break // wait for more header bytes
		}

		header := d.buf[:5]
		wantCRC := binary.LittleEndian.Uint16(d.buf[5:7])
		if crc16ccitt(header) != wantCRC {
			// Header CRC mismatch: discard the flag byte and resync.
			garbage = append(garbage, d.buf[0])
			d.buf = d.buf[1:]
			continue
		}

		length := int(binary.LittleEndian.Uint16(d.buf[2:4]))
		address := d.buf[1]
		ctrl := UnpackControl(d.buf[4])

		if length > mtu {
			// Oversized frame: discard header only, resync from the next byte.
			garbage = append(garbage, d.buf[:HeaderSize]...)
			d.buf = d.buf[HeaderSize:]
			continue
		}

		if length == 0 {
			flushGarbage()
			frame := &Frame{Address: address, Control: ctrl}
			out = append(out, Event{Kind: EventFrame, Frame: frame})
			d.buf = d.buf[HeaderSize:]
			continue
		}

		total := HeaderSize + length + CRCSize
		if len(d.buf) < total {
			break // wait for the rest of the payload
		}

		flushGarbage()
		payload := make([]byte, length)
		copy(payload, d.buf[HeaderSize:HeaderSize+length])
		wantPayloadCRC := binary.LittleEndian.Uint16(d.buf[HeaderSize+length : total])
		frame := &Frame{Address: address, Control: ctrl, Payload: payload}

		if crc16ccitt(payload) != wantPayloadCRC {
			out = append(out, Event{Kind: EventCorruptPayload, Frame: frame})
		} else {
			out = append(out, Event{Kind: EventFrame, Frame: frame})
		}
		d.buf = d.buf[total:]
	}

	flushGarbage()
	return out
}
