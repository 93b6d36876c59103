package domain

import "errors"

var (
	ErrMissingRole               = errors.New("role not specified")
	ErrInvalidRole               = errors.New("invalid role")
	ErrRoleMismatch              = errors.New("operation not allowed for role")
	ErrNoLocalTracks             = errors.New("no local tracks to broadcast")
	ErrInvalidCandidate          = errors.New("invalid ICE candidate")
	ErrNoRemoteDescription       = errors.New("remote description not set")
	ErrDescriptionAlreadyCreated = errors.New("session description already created for this round")
	ErrInvalidDescription        = errors.New("invalid session description")
	ErrMalformedMessage          = errors.New("malformed signaling message")
	ErrRelayUnavailable          = errors.New("relay unavailable")
	ErrChannelClosed             = errors.New("signaling channel closed")
	ErrSessionClosed             = errors.New("session closed")
)
