package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"
)

func TestPrometheusCollector_SessionMetrics(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordStateChange(domain.RoleViewer, domain.SessionNegotiating)
	c.RecordStateChange(domain.RoleViewer, domain.SessionConnected)
	c.RecordMessageReceived(domain.RoleViewer, domain.MessageOffer, false)
	c.RecordMessageReceived(domain.RoleViewer, domain.MessageAnswer, true)
	c.RecordMessageSent(domain.RoleViewer, domain.MessageAnswer)
	c.RecordCandidate(domain.RoleViewer, ports.CandidateQueued)
	c.RecordCandidate(domain.RoleViewer, ports.CandidateQueued)
	c.RecordNegotiation(domain.RoleViewer, 300*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("viewer", "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("viewer", "negotiating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stateChanges.WithLabelValues("viewer", "negotiating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("viewer", "answer", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("viewer", "answer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.candidates.WithLabelValues("viewer", "queued")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.negotiationDuration))
}

func TestPrometheusCollector_RelayMetrics(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordRelayConnected()
	c.RecordRelayConnected()
	c.RecordRelayDisconnected()
	c.RecordRelayFrame(FrameRelayed, 100, 2)
	c.RecordRelayFrame(FrameRateLimited, 100, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayConnections))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.relayBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayFrames.WithLabelValues(FrameRateLimited)))
}
