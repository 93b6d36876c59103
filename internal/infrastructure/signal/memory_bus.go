package signal

import (
	"context"
	"sync"

	"screenlink/internal/core/domain"
)

// MemoryBus is an in-process relay: every frame sent by one endpoint is
// delivered to all other connected endpoints. Frames go through the wire
// codec so endpoints see exactly what a network relay would deliver.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[*MemoryChannel]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*MemoryChannel]struct{})}
}

// Channel returns a new endpoint for peerID. It receives nothing until
// Connect is called.
func (b *MemoryBus) Channel(peerID domain.PeerID) *MemoryChannel {
	return &MemoryChannel{
		bus:    b,
		peerID: peerID,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBus) publish(from *MemoryChannel, frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ep := range b.endpoints {
		if ep != from {
			ep.push(frame)
		}
	}
}

func (b *MemoryBus) attach(ep *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[ep] = struct{}{}
}

func (b *MemoryBus) detach(ep *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, ep)
}

// MemoryChannel is one endpoint of a MemoryBus. Inbound frames are queued
// without bound and delivered in order on the endpoint's own goroutine.
type MemoryChannel struct {
	bus    *MemoryBus
	peerID domain.PeerID

	mu        sync.Mutex
	handler   func(domain.SignalingMessage)
	inbox     [][]byte
	connected bool
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func (c *MemoryChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.connected {
		return nil
	}
	c.connected = true
	c.bus.attach(c)

	c.wg.Add(1)
	go c.deliver()
	return nil
}

func (c *MemoryChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	ready := c.connected && !c.closed
	c.mu.Unlock()
	if !ready {
		return domain.ErrChannelClosed
	}

	if msg.From == "" {
		msg.From = c.peerID
	}
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	c.bus.publish(c, frame)
	return nil
}

func (c *MemoryChannel) OnMessage(handler func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *MemoryChannel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.mu.Unlock()

	if wasConnected {
		c.bus.detach(c)
	}
	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *MemoryChannel) push(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inbox = append(c.inbox, frame)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryChannel) deliver() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(c.inbox) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		frame := c.inbox[0]
		c.inbox = c.inbox[1:]
		handler := c.handler
		c.mu.Unlock()

		msg, err := Decode(frame)
		if err != nil || msg.From == c.peerID || handler == nil {
			continue
		}
		handler(msg)
	}
}
