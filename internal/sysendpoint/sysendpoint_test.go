package sysendpoint

import (
	"log/slog"
	"testing"
	"time"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/framer"
)

type timerID struct {
	endpoint byte
	key      string
}

type fakeScheduler struct {
	timers map[timerID]func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: map[timerID]func(){}}
}

func (s *fakeScheduler) ArmTimer(endpoint byte, key string, d time.Duration, fn func()) {
	s.timers[timerID{endpoint, key}] = fn
}

func (s *fakeScheduler) CancelTimer(endpoint byte, key string) {
	delete(s.timers, timerID{endpoint, key})
}

type queueSink struct {
	outbox []*framer.Frame
}

func (s *queueSink) SendFrame(addr byte, ctrl framer.Control, payload []byte) error {
	s.outbox = append(s.outbox, &framer.Frame{Address: addr, Control: ctrl, Payload: append([]byte(nil), payload...)})
	return nil
}

type recNotifier struct {
	opened []byte
	closed []byte
}

func (n *recNotifier) EndpointOpened(id byte)                         { n.opened = append(n.opened, id) }
func (n *recNotifier) EndpointClosed(id byte, reason core.ErrorReason) { n.closed = append(n.closed, id) }
func (n *recNotifier) LinkReset()                                      {}

func newLinkedPair(t *testing.T) (*core.Core, *queueSink, *core.Core, *queueSink) {
	t.Helper()
	sinkA, sinkB := &queueSink{}, &queueSink{}
	a := core.New(core.Config{}, sinkA, newFakeScheduler(), slog.Default())
	b := core.New(core.Config{}, sinkB, newFakeScheduler(), slog.Default())
	return a, sinkA, b, sinkB
}

func drainAll(t *testing.T, a *core.Core, outA *[]*framer.Frame, b *core.Core, outB *[]*framer.Frame) {
	t.Helper()
	for round := 0; round < 50; round++ {
		progressed := false
		for len(*outA) > 0 {
			f := (*outA)[0]
			*outA = (*outA)[1:]
			if err := b.HandleInboundFrame(f); err != nil {
				t.Fatalf("b inbound frame: %v", err)
			}
			progressed = true
		}
		for len(*outB) > 0 {
			f := (*outB)[0]
			*outB = (*outB)[1:]
			if err := a.HandleInboundFrame(f); err != nil {
				t.Fatalf("a inbound frame: %v", err)
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatalf("drainAll: frames still flowing after 50 rounds")
}

func startBoth(t *testing.T, a *core.Core, sa *SysEndpoint, outA *[]*framer.Frame, b *core.Core, sb *SysEndpoint, outB *[]*framer.Frame) {
	t.Helper()
	if err := sa.Start(); err != nil {
		t.Fatalf("sa.Start: %v", err)
	}
	if err := sb.Start(); err != nil {
		t.Fatalf("sb.Start: %v", err)
	}
	drainAll(t, a, outA, b, outB)
	if a.Endpoint(core.SystemEndpointID).State != core.StateOpen {
		t.Fatalf("a system endpoint state = %v, want Open", a.Endpoint(core.SystemEndpointID).State)
	}
	if b.Endpoint(core.SystemEndpointID).State != core.StateOpen {
		t.Fatalf("b system endpoint state = %v, want Open", b.Endpoint(core.SystemEndpointID).State)
	}
}

func TestPropertyGetReturnsProtocolVersion(t *testing.T) {
	a, sinkA, b, sinkB := newLinkedPair(t)
	sa := New(a, 3, 0xABCD, slog.Default())
	sb := New(b, 7, 0, slog.Default())
	startBoth(t, a, sa, &sinkA.outbox, b, sb, &sinkB.outbox)

	req := message{Type: MsgPropertyGet, Field: uint16(PropProtocolVersion)}
	if err := a.Write(core.SystemEndpointID, req.encode()); err != nil {
		t.Fatalf("write property get: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	sb.PollInbound()
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	payload, ok := a.Endpoint(core.SystemEndpointID).PopRX()
	if !ok {
		t.Fatal("a did not receive a property reply")
	}
	reply, err := decodeMessage(payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != MsgPropertyReply || reply.Field != uint16(PropProtocolVersion) {
		t.Fatalf("reply = %+v, want PropertyReply for ProtocolVersion", reply)
	}
	if len(reply.Value) != 1 || reply.Value[0] != 7 {
		t.Fatalf("reply value = %v, want [7] (b's version)", reply.Value)
	}
}

func TestPropertySetBootloaderInfo(t *testing.T) {
	a, sinkA, b, sinkB := newLinkedPair(t)
	sa := New(a, 3, 0, slog.Default())
	sb := New(b, 3, 0, slog.Default())
	startBoth(t, a, sa, &sinkA.outbox, b, sb, &sinkB.outbox)

	req := message{Type: MsgPropertySet, Field: uint16(PropBootloaderInfo), Value: []byte("boot-v2")}
	if err := a.Write(core.SystemEndpointID, req.encode()); err != nil {
		t.Fatalf("write property set: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)
	sb.PollInbound()

	value, err := sb.readProperty(PropBootloaderInfo)
	if err != nil {
		t.Fatalf("readProperty: %v", err)
	}
	if string(value) != "boot-v2" {
		t.Fatalf("bootloader info = %q, want boot-v2", value)
	}
}

func TestEndpointOpenedEmitsNotificationAndForwardsToInner(t *testing.T) {
	a, sinkA, b, sinkB := newLinkedPair(t)
	sa := New(a, 3, 0, slog.Default())
	sb := New(b, 3, 0, slog.Default())
	startBoth(t, a, sa, &sinkA.outbox, b, sb, &sinkB.outbox)
	inner := &recNotifier{}
	sa.SetInner(inner)
	a.SetNotifier(sa)
	b.SetNotifier(sb)

	const id = 5
	if err := a.Open(id); err != nil {
		t.Fatalf("a.Open: %v", err)
	}
	if err := b.Open(id); err != nil {
		t.Fatalf("b.Open: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	if len(inner.opened) != 1 || inner.opened[0] != id {
		t.Fatalf("inner notifier opened = %v, want [%d]", inner.opened, id)
	}

	payload, ok := b.Endpoint(core.SystemEndpointID).PopRX()
	if !ok {
		t.Fatal("b system endpoint did not receive opened notification")
	}
	msg, err := decodeMessage(payload)
	if err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if msg.Type != MsgNotifyOpened || msg.Field != uint16(id) {
		t.Fatalf("notification = %+v, want NotifyOpened for endpoint %d", msg, id)
	}
}

func TestCanOpenRejectsAlreadyAttachedEndpoint(t *testing.T) {
	a, sinkA, b, sinkB := newLinkedPair(t)
	sa := New(a, 3, 0, slog.Default())
	sb := New(b, 3, 0, slog.Default())
	startBoth(t, a, sa, &sinkA.outbox, b, sb, &sinkB.outbox)

	const id = 4
	if !sa.CanOpen(id) {
		t.Fatal("expected CanOpen true before any client attaches")
	}

	if err := a.Open(id); err != nil {
		t.Fatalf("a.Open: %v", err)
	}
	if sa.CanOpen(id) {
		t.Fatal("expected CanOpen false once a client has attached")
	}
}

func TestCanOpenRejectsSystemEndpointAndOutOfRange(t *testing.T) {
	a, _, _, _ := newLinkedPair(t)
	sa := New(a, 3, 0, slog.Default())

	if sa.CanOpen(core.SystemEndpointID) {
		t.Fatal("system endpoint must never be openable by a local client")
	}
	if sa.CanOpen(core.MaxEndpointID + 1) {
		t.Fatal("out-of-range endpoint must not be openable")
	}
}
