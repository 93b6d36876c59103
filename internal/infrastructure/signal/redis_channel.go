package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"screenlink/internal/core/domain"
	"screenlink/pkg/retry"
	"screenlink/pkg/tracing"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	Channel  string
	PeerID   domain.PeerID
	Dial     retry.Config
}

// NewRedisClient builds a pooled client. Reachability is checked by
// RedisChannel.Connect, not here.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisChannel uses one Pub/Sub channel as the relay. Every peer subscribed to
// the same channel name sees every frame, so frames published by this peer
// are dropped on the way back in.
type RedisChannel struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handler  func(domain.SignalingMessage)
	closed   bool
	pumpDone chan struct{}
}

func NewRedisChannel(client *redis.Client, cfg RedisConfig, logger *zap.SugaredLogger) *RedisChannel {
	if cfg.Channel == "" {
		cfg.Channel = "screenlink:signal"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisChannel{
		client: client,
		cfg:    cfg,
		logger: logger.With("redis_channel", cfg.Channel, "peer_id", cfg.PeerID),
	}
}

func (c *RedisChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.pubsub != nil {
		return nil
	}

	dialCfg := c.cfg.Dial
	dialCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("Redis ping failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	err := retry.Do(ctx, dialCfg, func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}

	pubsub := c.client.Subscribe(ctx, c.cfg.Channel)
	// Wait for the subscription confirmation so nothing published after
	// Connect returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrRelayUnavailable, c.cfg.Channel, err)
	}

	c.pubsub = pubsub
	c.pumpDone = make(chan struct{})
	go c.pump(pubsub.Channel(), c.pumpDone)

	c.logger.Infow("Subscribed to relay channel")
	return nil
}

func (c *RedisChannel) pump(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for m := range ch {
		msg, err := Decode([]byte(m.Payload))
		if err != nil {
			c.logger.Warnw("Dropping malformed signaling frame", "error", err, "size", len(m.Payload))
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

func (c *RedisChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	subscribed := c.pubsub != nil && !c.closed
	c.mu.Unlock()
	if !subscribed {
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

	if err := c.client.Publish(ctx, c.cfg.Channel, frame).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	return nil
}

func (c *RedisChannel) OnMessage(handler func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Disconnect closes the subscription. The client itself belongs to the caller.
func (c *RedisChannel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pubsub, done := c.pubsub, c.pumpDone
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.logger.Warnw("Redis pump did not stop in time")
	}
	c.logger.Infow("Unsubscribed from relay channel")
	return err
}
