package services

import (
	"time"

	"screenlink/internal/core/domain"
)

// peerSession is the mutable negotiation context. Only the Run goroutine
// touches it.
type peerSession struct {
	transport domain.ConnectionState

	offerRequested            bool
	localDescriptionSent      bool
	remoteDescriptionApplying bool
	remoteDescriptionSet      bool

	// negotiationFailed blocks any further offer/answer handling.
	negotiationFailed bool
	// failedByTransport allows Failed -> Connected when ICE recovers.
	failedByTransport bool

	pending *candidateQueue

	negotiationStarted time.Time
	connectedOnce      bool
}

func newPeerSession(maxPending int) *peerSession {
	return &peerSession{
		transport: domain.ConnectionNew,
		pending:   newCandidateQueue(maxPending),
	}
}

// remoteDescriptionAccepted reports whether an offer or answer was already
// taken from the other peer.
func (s *peerSession) remoteDescriptionAccepted() bool {
	return s.remoteDescriptionApplying || s.remoteDescriptionSet
}
