package security

import (
	"encoding/binary"
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

// TestHandshakeCompletesAgainstStubSecondary drives a Handshake against a
// hand-rolled stub that answers the RequestId/EphemeralOffer exchange the
// way a secondary would, without pulling in a second Worker/Handshake pair.
func TestHandshakeCompletesAgainstStubSecondary(t *testing.T) {
	sinkA, sinkB := &queueSink{}, &queueSink{}
	a := core.New(core.Config{}, sinkA, newFakeScheduler(), slog.Default())
	b := core.New(core.Config{}, sinkB, newFakeScheduler(), slog.Default())

	binding, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	workerA := NewWorker(nil)
	go workerA.Start()
	defer workerA.Stop()

	hs := NewHandshake(a, workerA, binding, nil)
	a.SetNotifier(hs)

	if err := b.Open(core.SecurityEndpointID); err != nil {
		t.Fatalf("b.Open: %v", err)
	}
	if err := hs.Start(); err != nil {
		t.Fatalf("hs.Start: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	// b now plays the secondary: answer RequestId with a binding key id.
	reqPayload, ok := b.Endpoint(core.SecurityEndpointID).PopRX()
	if !ok || msgType(reqPayload[0]) != msgRequestID {
		t.Fatalf("b did not receive RequestId, got %v ok=%v", reqPayload, ok)
	}
	keyIDReply := append([]byte{byte(msgBindingKeyIDReply)}, make([]byte, KeySize)...)
	if err := b.Write(core.SecurityEndpointID, keyIDReply); err != nil {
		t.Fatalf("b reply binding key id: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	// a should now have sent an EphemeralOffer; reply with a fresh ephemeral
	// public key of our own, as the secondary would.
	offerPayload, ok := b.Endpoint(core.SecurityEndpointID).PopRX()
	if !ok || msgType(offerPayload[0]) != msgEphemeralOffer {
		t.Fatalf("b did not receive EphemeralOffer, got %v ok=%v", offerPayload, ok)
	}
	sessionID := binary.LittleEndian.Uint64(offerPayload[1+KeySize:])
	if sessionID == 0 {
		t.Fatal("expected a non-zero session id in the ephemeral offer")
	}

	secondaryEphemeral, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	reply := append([]byte{byte(msgEphemeralReply)}, secondaryEphemeral.PublicKey[:]...)
	if err := b.Write(core.SecurityEndpointID, reply); err != nil {
		t.Fatalf("b reply ephemeral: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	hs.PollInbound()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !workerA.IsReady() {
		time.Sleep(time.Millisecond)
	}
	if !workerA.IsReady() {
		t.Fatal("expected workerA to report a ready session after the handshake completed")
	}
}

// TestRekeyReusesBindingKeyAndClearsCoreRekeyFlag drives a full initial
// handshake, then triggers Rekey and checks it skips straight to a new
// EphemeralOffer (no RequestId/BindingKeyIDReply round trip) and clears
// Core's rekeying flag once the fresh session lands.
func TestRekeyReusesBindingKeyAndClearsCoreRekeyFlag(t *testing.T) {
	sinkA, sinkB := &queueSink{}, &queueSink{}
	a := core.New(core.Config{}, sinkA, newFakeScheduler(), slog.Default())
	b := core.New(core.Config{}, sinkB, newFakeScheduler(), slog.Default())

	binding, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	workerA := NewWorker(nil)
	go workerA.Start()
	defer workerA.Stop()

	hs := NewHandshake(a, workerA, binding, nil)
	a.SetNotifier(hs)

	if err := b.Open(core.SecurityEndpointID); err != nil {
		t.Fatalf("b.Open: %v", err)
	}
	if err := hs.Start(); err != nil {
		t.Fatalf("hs.Start: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	reqPayload, ok := b.Endpoint(core.SecurityEndpointID).PopRX()
	if !ok || msgType(reqPayload[0]) != msgRequestID {
		t.Fatalf("b did not receive RequestId, got %v ok=%v", reqPayload, ok)
	}
	keyIDReply := append([]byte{byte(msgBindingKeyIDReply)}, make([]byte, KeySize)...)
	if err := b.Write(core.SecurityEndpointID, keyIDReply); err != nil {
		t.Fatalf("b reply binding key id: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	offerPayload, ok := b.Endpoint(core.SecurityEndpointID).PopRX()
	if !ok || msgType(offerPayload[0]) != msgEphemeralOffer {
		t.Fatalf("b did not receive EphemeralOffer, got %v ok=%v", offerPayload, ok)
	}
	secondaryEphemeral, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	reply := append([]byte{byte(msgEphemeralReply)}, secondaryEphemeral.PublicKey[:]...)
	if err := b.Write(core.SecurityEndpointID, reply); err != nil {
		t.Fatalf("b reply ephemeral: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)
	hs.PollInbound()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !workerA.IsReady() {
		time.Sleep(time.Millisecond)
	}
	if !workerA.IsReady() {
		t.Fatal("expected workerA ready after initial handshake")
	}

	// Drive the rekey the same way daemon.rekeyDriver would once Core
	// signals RekeyRequests.
	if err := hs.Rekey(); err != nil {
		t.Fatalf("hs.Rekey: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)

	// No RequestId/BindingKeyIDReply round trip this time: b should see
	// only a fresh EphemeralOffer waiting for it.
	rekeyOffer, ok := b.Endpoint(core.SecurityEndpointID).PopRX()
	if !ok || msgType(rekeyOffer[0]) != msgEphemeralOffer {
		t.Fatalf("b did not receive a rekey EphemeralOffer, got %v ok=%v", rekeyOffer, ok)
	}

	rekeyEphemeral, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	rekeyReply := append([]byte{byte(msgEphemeralReply)}, rekeyEphemeral.PublicKey[:]...)
	if err := b.Write(core.SecurityEndpointID, rekeyReply); err != nil {
		t.Fatalf("b reply rekey ephemeral: %v", err)
	}
	drainAll(t, a, &sinkA.outbox, b, &sinkB.outbox)
	hs.PollInbound()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !workerA.IsReady() {
		time.Sleep(time.Millisecond)
	}
	if !workerA.IsReady() {
		t.Fatal("expected workerA ready again after rekey completed")
	}
}

func TestHandshakeForwardsLifecycleEventsToInner(t *testing.T) {
	sinkA := &queueSink{}
	a := core.New(core.Config{}, sinkA, newFakeScheduler(), slog.Default())
	binding, _ := NewKeypair()
	workerA := NewWorker(nil)
	go workerA.Start()
	defer workerA.Stop()

	hs := NewHandshake(a, workerA, binding, nil)
	inner := &recNotifier{}
	hs.SetInner(inner)
	a.SetNotifier(hs)

	const id = 5
	if err := a.Open(id); err != nil {
		t.Fatalf("a.Open: %v", err)
	}
	ctrl := framer.Control{Type: framer.TypeUnnumbered, UFunc: framer.UFunctionAck, PollFinal: true}
	if err := a.HandleInboundFrame(&framer.Frame{Address: id, Control: ctrl}); err != nil {
		t.Fatalf("HandleInboundFrame: %v", err)
	}

	if len(inner.opened) != 1 || inner.opened[0] != id {
		t.Fatalf("inner.opened = %v, want [%d]", inner.opened, id)
	}
}

type recNotifier struct {
	opened []byte
	closed []byte
}

func (n *recNotifier) EndpointOpened(id byte)                         { n.opened = append(n.opened, id) }
func (n *recNotifier) EndpointClosed(id byte, reason core.ErrorReason) { n.closed = append(n.closed, id) }
func (n *recNotifier) LinkReset()                                      {}
