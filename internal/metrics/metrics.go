// Package metrics provides Prometheus metrics for cpcd.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "cpcd"
)

// Metrics contains all Prometheus metrics for the daemon.
type Metrics struct {
	// Endpoint lifecycle
	EndpointsOpen   prometheus.Gauge
	EndpointOpens   prometheus.Counter
	EndpointCloses  *prometheus.CounterVec // labeled by reason

	// Framer / wire traffic
	FramesSent     *prometheus.CounterVec // labeled by frame_type
	FramesReceived *prometheus.CounterVec
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	GarbageBytes   prometheus.Counter
	CorruptPayload prometheus.Counter

	// ARQ
	Retransmits     *prometheus.CounterVec // labeled by endpoint
	Rejects         prometheus.Counter
	RTO             prometheus.Histogram
	OutstandingMax  prometheus.Gauge

	// Security
	SecurityIncidents prometheus.Counter
	Rekeys            prometheus.Counter
	HandshakeLatency  prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec

	// Client connections
	ClientConnections *prometheus.GaugeVec // labeled by endpoint
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered
// against the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EndpointsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_open",
			Help:      "Number of currently open endpoints",
		}),
		EndpointOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_opens_total",
			Help:      "Total number of endpoint open handshakes completed",
		}),
		EndpointCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_closes_total",
			Help:      "Total endpoint closes by reason",
		}, []string{"reason"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by frame type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by frame type",
		}, []string{"frame_type"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total wire bytes written to the driver",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total wire bytes read from the driver",
		}),
		GarbageBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "garbage_bytes_total",
			Help:      "Total bytes discarded by the decoder while resynchronizing",
		}),
		CorruptPayload: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_payload_total",
			Help:      "Total frames with a valid header but a failed payload CRC",
		}),

		Retransmits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total I-frame retransmissions by endpoint",
		}, []string{"endpoint"}),
		Rejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejects_total",
			Help:      "Total REJ supervisory frames sent",
		}),
		RTO: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rto_seconds",
			Help:      "Histogram of the retransmit timeout in effect when a timer fires",
			Buckets:   []float64{.1, .2, .4, .8, 1.6, 3.2, 5},
		}),
		OutstandingMax: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_frames_max",
			Help:      "Highest observed count of un-acked I-frames on any single endpoint",
		}),

		SecurityIncidents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_incidents_total",
			Help:      "Total authentication failures counted toward the security incident threshold",
		}),
		Rekeys: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Total session rekeys performed",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of security handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),

		ClientConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Number of local clients currently attached per endpoint socket",
		}, []string{"endpoint"}),
	}
}

// RecordFrameSent records a frame handed to the driver.
func (m *Metrics) RecordFrameSent(frameType string, wireBytes int) {
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(wireBytes))
}

// RecordFrameReceived records a frame decoded from the driver.
func (m *Metrics) RecordFrameReceived(frameType string, wireBytes int) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.Add(float64(wireBytes))
}

// RecordEndpointOpen records a completed endpoint open handshake.
func (m *Metrics) RecordEndpointOpen() {
	m.EndpointsOpen.Inc()
	m.EndpointOpens.Inc()
}

// RecordEndpointClose records an endpoint leaving the Open state.
func (m *Metrics) RecordEndpointClose(reason string) {
	m.EndpointsOpen.Dec()
	m.EndpointCloses.WithLabelValues(reason).Inc()
}

// RecordRetransmit records one I-frame retransmission on an endpoint.
func (m *Metrics) RecordRetransmit(endpoint string, rtoSeconds float64) {
	m.Retransmits.WithLabelValues(endpoint).Inc()
	m.RTO.Observe(rtoSeconds)
}

// RecordReject records a REJ supervisory frame being sent.
func (m *Metrics) RecordReject() {
	m.Rejects.Inc()
}

// RecordSecurityIncident records an authentication failure.
func (m *Metrics) RecordSecurityIncident() {
	m.SecurityIncidents.Inc()
}

// RecordRekey records a session rekey.
func (m *Metrics) RecordRekey() {
	m.Rekeys.Inc()
}

// RecordHandshake records a successful security handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed security handshake.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// SetClientConnections sets the attached-client gauge for one endpoint socket.
func (m *Metrics) SetClientConnections(endpoint string, count int) {
	m.ClientConnections.WithLabelValues(endpoint).Set(float64(count))
}
