package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{Type: TypeEndpointStatusQuery, Endpoint: 3, Payload: []byte{1, 2, 3, 4}}

	buf, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Type != m.Type || got.Endpoint != m.Endpoint || !bytes.Equal(got.Payload, m.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	m := Message{Type: TypeOpenEndpointQuery, Endpoint: 2}

	buf, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(buf) != headerLen {
		t.Errorf("encoded length = %d, want %d", len(buf), headerLen)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got %v", got.Payload)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	m := Message{Type: TypeSetPid, Payload: make([]byte, MaxPayloadLen+1)}

	_, err := m.Encode()
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	if err != ErrShortMessage {
		t.Fatalf("err = %v, want ErrShortMessage", err)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := []byte{byte(TypeSetPid), 0, 5, 0, 1, 2}
	_, err := Decode(buf)
	if err == nil {
		t.Fatal("expected error for mismatched declared length")
	}
}

func TestWriteToReadFrom(t *testing.T) {
	var buf bytes.Buffer
	m := Message{Type: TypeVersionQuery, Endpoint: 0, Payload: []byte{ProtocolVersion}}

	if err := WriteTo(&buf, m); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	got, err := ReadFrom(&buf, 256)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if got.Type != TypeVersionQuery || !bytes.Equal(got.Payload, []byte{ProtocolVersion}) {
		t.Errorf("got %+v, want VersionQuery with version byte", got)
	}
}

func TestOpenEndpointAck(t *testing.T) {
	m := OpenEndpointAck(5)
	if m.Type != TypeOpenEndpointQuery {
		t.Errorf("Type = %v, want OpenEndpointQuery", m.Type)
	}
	if m.Endpoint != 5 {
		t.Errorf("Endpoint = %d, want 5", m.Endpoint)
	}
	if len(m.Payload) != 0 {
		t.Errorf("expected empty payload ack, got %v", m.Payload)
	}
}

func TestBoolPayloadRoundTrip(t *testing.T) {
	for _, b := range []bool{true, false} {
		got, err := DecodeBool(BoolPayload(b))
		if err != nil {
			t.Fatalf("DecodeBool failed: %v", err)
		}
		if got != b {
			t.Errorf("DecodeBool(BoolPayload(%v)) = %v", b, got)
		}
	}
}

func TestDecodeBoolRejectsWrongLength(t *testing.T) {
	_, err := DecodeBool([]byte{1, 2})
	if err == nil {
		t.Fatal("expected error for wrong-length bool payload")
	}
}

func TestEndpointStatusRoundTrip(t *testing.T) {
	s := EndpointStatusPayload{State: StateError, ErrorReason: 2}
	got, err := DecodeEndpointStatus(s.Encode())
	if err != nil {
		t.Fatalf("DecodeEndpointStatus failed: %v", err)
	}
	if got != s {
		t.Errorf("got %+v, want %+v", got, s)
	}
}

func TestMessageTypeString(t *testing.T) {
	if TypeVersionQuery.String() != "VersionQuery" {
		t.Errorf("String() = %s, want VersionQuery", TypeVersionQuery.String())
	}
	if MessageType(200).String() == "" {
		t.Error("expected non-empty fallback string for unknown type")
	}
}
