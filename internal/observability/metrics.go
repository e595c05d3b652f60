package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transport_active_connections",
		Help: "Number of registered recognition connections",
	})

	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transport_connect_attempts_total",
		Help: "Total number of socket open attempts",
	}, []string{"result"}) // result: "success", "error", "timeout", "circuit_open"

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_transport_connection_duration_seconds",
		Help:    "Lifetime of recognition connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	connectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_transport_connect_latency_seconds",
		Help:    "Handshake plus configuration latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Reconnect metrics
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	})

	reconnectsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_reconnects_exhausted_total",
		Help: "Connections abandoned after every reconnect attempt failed",
	})

	heartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_heartbeat_timeouts_total",
		Help: "Heartbeats that got no inbound traffic in time",
	})

	// Frame metrics
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transport_frames_sent_total",
		Help: "Total frames written to the socket",
	}, []string{"type"})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transport_frames_received_total",
		Help: "Total frames decoded from the socket",
	}, []string{"type"})

	// Error metrics
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_protocol_errors_total",
		Help: "Inbound frames that could not be decoded",
	})

	vendorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transport_vendor_errors_total",
		Help: "Error frames reported by the recognition service",
	}, []string{"category"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asr_transport_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Audio metrics
	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_audio_bytes_sent_total",
		Help: "Total audio bytes written to the socket",
	})

	pendingChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_pending_chunks_dropped_total",
		Help: "Audio chunks dropped because the pending buffer was full",
	})

	pendingChunksReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transport_pending_chunks_replayed_total",
		Help: "Buffered audio chunks replayed after a reconnect",
	})
)

// ConnectionMetrics tracks metrics for a single connection
type ConnectionMetrics struct {
	connectionID string
	startTime    time.Time
	dialStart    time.Time
	ended        bool
	mu           sync.Mutex
}

// NewConnectionMetrics creates a new metrics tracker for a connection
func NewConnectionMetrics(connectionID string) *ConnectionMetrics {
	return &ConnectionMetrics{
		connectionID: connectionID,
		startTime:    time.Now(),
	}
}

// RecordConnectionStart records a connection entering the registry
func (m *ConnectionMetrics) RecordConnectionStart() {
	activeConnections.Inc()
}

// RecordConnectionEnd records the connection leaving the registry. Safe to call twice.
func (m *ConnectionMetrics) RecordConnectionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true
	activeConnections.Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordDialStart records the start of a socket open
func (m *ConnectionMetrics) RecordDialStart() {
	m.mu.Lock()
	m.dialStart = time.Now()
	m.mu.Unlock()
}

// RecordDialEnd records the outcome of a socket open
func (m *ConnectionMetrics) RecordDialEnd(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result == "success" && !m.dialStart.IsZero() {
		connectLatency.Observe(time.Since(m.dialStart).Seconds())
	}
	connectAttempts.WithLabelValues(result).Inc()
}

// RecordReconnectAttempt counts one reconnect attempt
func (m *ConnectionMetrics) RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordReconnectExhausted counts a connection given up on
func (m *ConnectionMetrics) RecordReconnectExhausted() {
	reconnectsExhausted.Inc()
}

// RecordHeartbeatTimeout counts an expired heartbeat
func (m *ConnectionMetrics) RecordHeartbeatTimeout() {
	heartbeatTimeouts.Inc()
}

// RecordFrameSent counts an outbound frame and its audio bytes
func (m *ConnectionMetrics) RecordFrameSent(frameType string, audioBytes int) {
	framesSent.WithLabelValues(frameType).Inc()
	if audioBytes > 0 {
		audioBytesSent.Add(float64(audioBytes))
	}
}

// RecordFrameReceived counts an inbound frame
func (m *ConnectionMetrics) RecordFrameReceived(frameType string) {
	framesReceived.WithLabelValues(frameType).Inc()
}

// RecordProtocolError counts an undecodable inbound frame
func (m *ConnectionMetrics) RecordProtocolError() {
	protocolErrors.Inc()
}

// RecordVendorError counts a vendor error frame by category
func (m *ConnectionMetrics) RecordVendorError(category string) {
	vendorErrors.WithLabelValues(category).Inc()
}

// RecordPendingDropped counts a chunk rejected by the full pending buffer
func (m *ConnectionMetrics) RecordPendingDropped() {
	pendingChunksDropped.Inc()
}

// RecordPendingReplayed counts buffered chunks flushed after a reconnect
func (m *ConnectionMetrics) RecordPendingReplayed(n int) {
	pendingChunksReplayed.Add(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
