package monitoring

import (
	"time"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records peer session and relay metrics. It satisfies
// ports.MetricsRecorder.
type PrometheusCollector struct {
	// Peer session
	stateChanges        *prometheus.CounterVec
	sessionState        *prometheus.GaugeVec
	messagesSent        *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	candidates          *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec

	// Relay
	relayConnections prometheus.Gauge
	relayFrames      *prometheus.CounterVec
	relayBytes       prometheus.Counter
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenlink_session_state_changes_total",
			Help: "Session state transitions by role and target state",
		}, []string{"role", "state"}),

		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screenlink_session_state",
			Help: "1 for the current session state of each role, 0 otherwise",
		}, []string{"role", "state"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenlink_signaling_messages_sent_total",
			Help: "Signaling messages sent to the relay",
		}, []string{"role", "type"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenlink_signaling_messages_received_total",
			Help: "Signaling messages received from the relay",
		}, []string{"role", "type", "outcome"}),

		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenlink_ice_candidates_total",
			Help: "ICE candidates by outcome (queued, applied, failed, sent)",
		}, []string{"role", "outcome"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screenlink_negotiation_duration_seconds",
			Help:    "Time from negotiation start until the transport first reports connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenlink_relay_connections",
			Help: "Websocket connections currently attached to the relay",
		}),

		relayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenlink_relay_frames_total",
			Help: "Frames handled by the relay by outcome",
		}, []string{"outcome"}),

		relayBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenlink_relay_bytes_total",
			Help: "Bytes fanned out by the relay",
		}),
	}
}

var sessionStates = []domain.SessionState{
	domain.SessionIdle,
	domain.SessionNegotiating,
	domain.SessionConnected,
	domain.SessionFailed,
	domain.SessionClosed,
}

func (p *PrometheusCollector) RecordStateChange(role domain.Role, state domain.SessionState) {
	p.stateChanges.WithLabelValues(role.String(), state.String()).Inc()

	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		p.sessionState.WithLabelValues(role.String(), s.String()).Set(value)
	}
}

func (p *PrometheusCollector) RecordMessageSent(role domain.Role, kind domain.MessageType) {
	p.messagesSent.WithLabelValues(role.String(), string(kind)).Inc()
}

func (p *PrometheusCollector) RecordMessageReceived(role domain.Role, kind domain.MessageType, ignored bool) {
	outcome := "handled"
	if ignored {
		outcome = "ignored"
	}
	p.messagesReceived.WithLabelValues(role.String(), string(kind), outcome).Inc()
}

func (p *PrometheusCollector) RecordCandidate(role domain.Role, outcome ports.CandidateOutcome) {
	p.candidates.WithLabelValues(role.String(), string(outcome)).Inc()
}

func (p *PrometheusCollector) RecordNegotiation(role domain.Role, duration time.Duration) {
	p.negotiationDuration.WithLabelValues(role.String()).Observe(duration.Seconds())
}

// Relay frame outcomes.
const (
	FrameRelayed     = "relayed"
	FrameRejected    = "rejected"
	FrameRateLimited = "rate_limited"
)

func (p *PrometheusCollector) RecordRelayConnected() {
	p.relayConnections.Inc()
}

func (p *PrometheusCollector) RecordRelayDisconnected() {
	p.relayConnections.Dec()
}

// RecordRelayFrame counts one inbound frame. size is only added to the byte
// counter for relayed frames, once per recipient.
func (p *PrometheusCollector) RecordRelayFrame(outcome string, size, recipients int) {
	p.relayFrames.WithLabelValues(outcome).Inc()
	if outcome == FrameRelayed {
		p.relayBytes.Add(float64(size * recipients))
	}
}
