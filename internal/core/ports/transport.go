package ports

import (
	"context"

	"screenlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaTransport is the subset of a peer connection the coordinator drives.
type MediaTransport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	AddTrack(ctx context.Context, track webrtc.TrackLocal) error

	OnLocalCandidate(handler func(domain.ICECandidate))
	OnConnectionStateChange(handler func(domain.ConnectionState))
	OnRemoteTrack(handler func(domain.RemoteTrack))

	Close() error
}
