package domain

import "github.com/google/uuid"

type PeerID string

// NewPeerID returns a random identifier used to tag outbound signaling frames.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func (id PeerID) String() string {
	return string(id)
}
