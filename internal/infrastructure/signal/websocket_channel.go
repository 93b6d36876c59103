package signal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"screenlink/internal/core/domain"
	"screenlink/pkg/circuitbreaker"
	"screenlink/pkg/retry"
	"screenlink/pkg/tracing"
)

type WebSocketConfig struct {
	URL            string
	Origin         string
	PeerID         domain.PeerID
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Dial           retry.Config
	CircuitBreaker circuitbreaker.Config
}

// WebSocketChannel talks to the relay over one websocket. Inbound frames are
// decoded and handed to the handler on a single read goroutine.
type WebSocketChannel struct {
	cfg     WebSocketConfig
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	handler   func(domain.SignalingMessage)
	connected bool
	closed    bool
	readDone  chan struct{}

	writeMu sync.Mutex
}

func NewWebSocketChannel(cfg WebSocketConfig, logger *zap.SugaredLogger) *WebSocketChannel {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	breaker := circuitbreaker.New(cfg.CircuitBreaker)
	log := logger.With("relay", cfg.URL, "peer_id", cfg.PeerID)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		log.Warnw("Relay circuit breaker state changed", "from", from, "to", to)
	})

	return &WebSocketChannel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		breaker: breaker,
		logger:  log,
	}
}

// Connect dials the relay, retrying with backoff. Calling it again while
// connected is a no-op.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.connected {
		return nil
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	dialCfg := c.cfg.Dial
	dialCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("Relay dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	conn, err := retry.DoWithResult(ctx, dialCfg, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, target, header)
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The relay refused the handshake; retrying will not help.
			return nil, retry.Permanent(fmt.Errorf("relay rejected handshake with %s: %w", resp.Status, err))
		}
		return conn, err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}

	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	c.conn = conn
	c.connected = true
	c.readDone = make(chan struct{})
	c.breaker.Reset()
	go c.readPump(conn, c.readDone)

	c.logger.Infow("Connected to relay")
	return nil
}

func (c *WebSocketChannel) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", c.cfg.URL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if c.cfg.PeerID != "" {
		q := u.Query()
		q.Set("peer_id", c.cfg.PeerID.String())
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WebSocketChannel) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			c.connected = false
			c.mu.Unlock()
			if !closing {
				c.logger.Warnw("Relay connection lost", "error", err)
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			c.logger.Warnw("Dropping malformed signaling frame", "error", err, "size", len(data))
			continue
		}
		if msg.From == c.cfg.PeerID {
			continue
		}

		_, span := tracing.TraceSignal(context.Background(), string(msg.Type), "inbound", msg.From.String())
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
		span.End()
	}
}

// Send writes one frame. Failures trip the circuit breaker so a dead relay
// fails fast with ErrRelayUnavailable.
func (c *WebSocketChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return domain.ErrRelayUnavailable
	}

	if msg.From == "" {
		msg.From = c.cfg.PeerID
	}
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), "outbound", msg.From.String())
	defer span.End()

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, frame)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
		}
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *WebSocketChannel) OnMessage(handler func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Disconnect sends a close frame and closes the socket. Safe to call more
// than once.
func (c *WebSocketChannel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, readDone := c.conn, c.readDone
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "peer leaving"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := conn.Close()
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		c.logger.Warnw("Relay read loop did not stop in time")
	}
	c.logger.Infow("Disconnected from relay")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
