package signal

import (
	"encoding/json"
	"fmt"

	"screenlink/internal/core/domain"
	"screenlink/pkg/validation"
)

// Envelope is the frame exchanged through the relay:
//
//	{"type":"offer","from":"<peer id>","payload":{"type":"offer","sdp":"v=0..."}}
//	{"type":"ice-candidate","from":"<peer id>","payload":{"candidate":"candidate:...","sdpMid":"0","sdpMLineIndex":0}}
//
// The payload shapes are the ones browsers produce, so a browser peer can
// share the relay.
type Envelope struct {
	Type    domain.MessageType `json:"type"`
	From    domain.PeerID      `json:"from,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

func Encode(msg domain.SignalingMessage) ([]byte, error) {
	var payload any
	switch msg.Type {
	case domain.MessageOffer, domain.MessageAnswer:
		if msg.Description == nil {
			return nil, fmt.Errorf("%w: %s without session description", domain.ErrMalformedMessage, msg.Type)
		}
		payload = msg.Description
	case domain.MessageCandidate:
		if msg.Candidate == nil {
			return nil, fmt.Errorf("%w: %s without candidate", domain.ErrMalformedMessage, msg.Type)
		}
		payload = msg.Candidate
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, msg.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Type, err)
	}
	return json.Marshal(Envelope{Type: msg.Type, From: msg.From, Payload: raw})
}

// DecodeEnvelope parses the outer frame and checks only its type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Envelope{}, fmt.Errorf("%w: %s without payload", domain.ErrMalformedMessage, env.Type)
	}
	return env, nil
}

func Decode(data []byte) (domain.SignalingMessage, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return domain.SignalingMessage{}, err
	}

	msg := domain.SignalingMessage{Type: env.Type, From: env.From}
	switch env.Type {
	case domain.MessageOffer, domain.MessageAnswer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return domain.SignalingMessage{}, fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedMessage, env.Type, err)
		}
		if desc.SDP == "" {
			return domain.SignalingMessage{}, fmt.Errorf("%w: %s with empty sdp", domain.ErrMalformedMessage, env.Type)
		}
		// The envelope type is authoritative.
		desc.Type = domain.SDPType(env.Type)
		msg.Description = &desc

	case domain.MessageCandidate:
		var candidate domain.ICECandidate
		if err := json.Unmarshal(env.Payload, &candidate); err != nil {
			return domain.SignalingMessage{}, fmt.Errorf("%w: candidate payload: %v", domain.ErrMalformedMessage, err)
		}
		if candidate.Candidate == "" {
			return domain.SignalingMessage{}, fmt.Errorf("%w: empty candidate", domain.ErrMalformedMessage)
		}
		if err := validation.ValidateCandidate(candidate.Candidate); err != nil {
			return domain.SignalingMessage{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
		}
		msg.Candidate = &candidate
	}
	return msg, nil
}
