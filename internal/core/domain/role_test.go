package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("broadcaster")
	require.NoError(t, err)
	assert.Equal(t, RoleBroadcaster, role)

	role, err = ParseRole(" Viewer ")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, role)

	_, err = ParseRole("")
	assert.ErrorIs(t, err, ErrMissingRole)

	_, err = ParseRole("spectator")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestConnectionStateClassification(t *testing.T) {
	cases := []struct {
		state  string
		usable bool
		lost   bool
	}{
		{"new", false, false},
		{"checking", false, false},
		{"connected", true, false},
		{"completed", true, false},
		{"disconnected", false, true},
		{"failed", false, true},
		{"closed", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			s, err := ParseConnectionState(tc.state)
			require.NoError(t, err)
			assert.Equal(t, tc.usable, s.Usable())
			assert.Equal(t, tc.lost, s.Lost())
		})
	}

	_, err := ParseConnectionState("bogus")
	assert.Error(t, err)
}

func TestMessageConstructorsForceDescriptionType(t *testing.T) {
	offer := NewOfferMessage(SessionDescription{SDP: "v=0"})
	assert.Equal(t, MessageOffer, offer.Type)
	assert.Equal(t, SDPTypeOffer, offer.Description.Type)

	answer := NewAnswerMessage(SessionDescription{Type: SDPTypeOffer, SDP: "v=0"})
	assert.Equal(t, SDPTypeAnswer, answer.Description.Type)

	cand := NewCandidateMessage(ICECandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	assert.Equal(t, MessageCandidate, cand.Type)
	assert.Nil(t, cand.Description)
	assert.NotNil(t, cand.Candidate)
}
