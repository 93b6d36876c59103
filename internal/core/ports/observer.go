package ports

import (
	"time"

	"screenlink/internal/core/domain"
)

// Observer receives the coordinator's presentation events. Calls are
// sequential and must not block. A callback may close the coordinator.
type Observer interface {
	OnStateChange(change domain.StateChange)
	OnRemoteTrack(track domain.RemoteTrack)
	OnLog(entry string)
}

type CandidateOutcome string

const (
	CandidateQueued  CandidateOutcome = "queued"
	CandidateApplied CandidateOutcome = "applied"
	CandidateFailed  CandidateOutcome = "failed"
	CandidateSent    CandidateOutcome = "sent"
)

type MetricsRecorder interface {
	RecordStateChange(role domain.Role, state domain.SessionState)
	RecordMessageSent(role domain.Role, kind domain.MessageType)
	RecordMessageReceived(role domain.Role, kind domain.MessageType, ignored bool)
	RecordCandidate(role domain.Role, outcome CandidateOutcome)
	RecordNegotiation(role domain.Role, duration time.Duration)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordStateChange(domain.Role, domain.SessionState) {}
func (NopMetrics) RecordMessageSent(domain.Role, domain.MessageType) {}
func (NopMetrics) RecordMessageReceived(domain.Role, domain.MessageType, bool) {}
func (NopMetrics) RecordCandidate(domain.Role, CandidateOutcome) {}
func (NopMetrics) RecordNegotiation(domain.Role, time.Duration) {}
