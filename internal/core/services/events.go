package services

import (
	"github.com/pion/webrtc/v3"

	"screenlink/internal/core/domain"
)

// event is anything the Run loop dispatches.
type event interface {
	eventName() string
}

type startEvent struct {
	tracks []webrtc.TrackLocal
}

type inboundMessageEvent struct {
	msg domain.SignalingMessage
}

type localCandidateEvent struct {
	candidate domain.ICECandidate
}

type transportStateEvent struct {
	state domain.ConnectionState
}

type remoteTrackEvent struct {
	track domain.RemoteTrack
}

// localDescriptionEvent completes offer or answer production.
type localDescriptionEvent struct {
	desc domain.SessionDescription
	err  error
}

type remoteDescriptionEvent struct {
	err error
}

type candidateAppliedEvent struct {
	candidate domain.ICECandidate
	replayed  bool
	err       error
}

func (startEvent) eventName() string             { return "start" }
func (inboundMessageEvent) eventName() string    { return "inbound_message" }
func (localCandidateEvent) eventName() string    { return "local_candidate" }
func (transportStateEvent) eventName() string    { return "transport_state" }
func (remoteTrackEvent) eventName() string       { return "remote_track" }
func (localDescriptionEvent) eventName() string  { return "local_description" }
func (remoteDescriptionEvent) eventName() string { return "remote_description" }
func (candidateAppliedEvent) eventName() string  { return "candidate_applied" }
