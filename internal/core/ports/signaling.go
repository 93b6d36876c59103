package ports

import (
	"context"

	"screenlink/internal/core/domain"
)

// SignalingChannel carries signaling messages to the other peer through a
// relay. Implementations deliver inbound messages to the registered handler
// one at a time, in arrival order.
type SignalingChannel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg domain.SignalingMessage) error
	OnMessage(handler func(domain.SignalingMessage))
	Disconnect() error
}
