package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.EndpointsOpen == nil {
		t.Error("EndpointsOpen metric is nil")
	}
	if m.FramesSent == nil {
		t.Error("FramesSent metric is nil")
	}
	if m.RTO == nil {
		t.Error("RTO metric is nil")
	}
}

func TestRecordEndpointOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordEndpointOpen()
	m.RecordEndpointOpen()
	m.RecordEndpointOpen()

	open := testutil.ToFloat64(m.EndpointsOpen)
	if open != 3 {
		t.Errorf("EndpointsOpen = %v, want 3", open)
	}

	m.RecordEndpointClose("fault_no_ack")

	open = testutil.ToFloat64(m.EndpointsOpen)
	if open != 2 {
		t.Errorf("EndpointsOpen = %v, want 2", open)
	}

	closes := testutil.ToFloat64(m.EndpointCloses.WithLabelValues("fault_no_ack"))
	if closes != 1 {
		t.Errorf("EndpointCloses[fault_no_ack] = %v, want 1", closes)
	}

	opensTotal := testutil.ToFloat64(m.EndpointOpens)
	if opensTotal != 3 {
		t.Errorf("EndpointOpens = %v, want 3", opensTotal)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("I", 64)
	m.RecordFrameSent("I", 32)
	m.RecordFrameSent("S", 8)
	m.RecordFrameReceived("I", 64)

	iSent := testutil.ToFloat64(m.FramesSent.WithLabelValues("I"))
	if iSent != 2 {
		t.Errorf("FramesSent[I] = %v, want 2", iSent)
	}

	sSent := testutil.ToFloat64(m.FramesSent.WithLabelValues("S"))
	if sSent != 1 {
		t.Errorf("FramesSent[S] = %v, want 1", sSent)
	}

	bytesSent := testutil.ToFloat64(m.BytesSent)
	if bytesSent != 104 {
		t.Errorf("BytesSent = %v, want 104", bytesSent)
	}

	bytesRecv := testutil.ToFloat64(m.BytesReceived)
	if bytesRecv != 64 {
		t.Errorf("BytesReceived = %v, want 64", bytesRecv)
	}
}

func TestRecordRetransmitAndReject(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRetransmit("0", 0.2)
	m.RecordRetransmit("0", 0.4)
	m.RecordRetransmit("1", 0.2)
	m.RecordReject()
	m.RecordReject()

	ep0 := testutil.ToFloat64(m.Retransmits.WithLabelValues("0"))
	if ep0 != 2 {
		t.Errorf("Retransmits[0] = %v, want 2", ep0)
	}

	ep1 := testutil.ToFloat64(m.Retransmits.WithLabelValues("1"))
	if ep1 != 1 {
		t.Errorf("Retransmits[1] = %v, want 1", ep1)
	}

	rejects := testutil.ToFloat64(m.Rejects)
	if rejects != 2 {
		t.Errorf("Rejects = %v, want 2", rejects)
	}
}

func TestRecordSecurityEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSecurityIncident()
	m.RecordSecurityIncident()
	m.RecordRekey()
	m.RecordHandshake(0.01)
	m.RecordHandshakeError("auth_failed")
	m.RecordHandshakeError("auth_failed")
	m.RecordHandshakeError("timeout")

	incidents := testutil.ToFloat64(m.SecurityIncidents)
	if incidents != 2 {
		t.Errorf("SecurityIncidents = %v, want 2", incidents)
	}

	rekeys := testutil.ToFloat64(m.Rekeys)
	if rekeys != 1 {
		t.Errorf("Rekeys = %v, want 1", rekeys)
	}

	authFailed := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("auth_failed"))
	if authFailed != 2 {
		t.Errorf("HandshakeErrors[auth_failed] = %v, want 2", authFailed)
	}

	timeout := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("timeout"))
	if timeout != 1 {
		t.Errorf("HandshakeErrors[timeout] = %v, want 1", timeout)
	}
}

func TestSetClientConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetClientConnections("2", 1)
	m.SetClientConnections("3", 0)

	ep2 := testutil.ToFloat64(m.ClientConnections.WithLabelValues("2"))
	if ep2 != 1 {
		t.Errorf("ClientConnections[2] = %v, want 1", ep2)
	}

	ep3 := testutil.ToFloat64(m.ClientConnections.WithLabelValues("3"))
	if ep3 != 0 {
		t.Errorf("ClientConnections[3] = %v, want 0", ep3)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
