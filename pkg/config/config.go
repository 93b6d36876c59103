package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"screenlink/pkg/circuitbreaker"
	"screenlink/pkg/retry"
	"screenlink/pkg/tracing"
	"screenlink/pkg/validation"
)

// Relay kinds understood by the peer process.
const (
	RelayWebSocket = "websocket"
	RelayRedis     = "redis"
	RelayMemory    = "memory"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Peer struct {
		Role                 string `yaml:"role"`
		ID                   string `yaml:"id"`
		EventBuffer          int    `yaml:"event_buffer"`
		MaxPendingCandidates int    `yaml:"max_pending_candidates"`
	} `yaml:"peer"`

	Relay struct {
		Kind           string                `yaml:"kind"`
		URL            string                `yaml:"url"`
		Origin         string                `yaml:"origin"`
		RedisChannel   string                `yaml:"redis_channel"`
		WriteTimeout   time.Duration         `yaml:"write_timeout"`
		Dial           retry.Config          `yaml:"dial_retry"`
		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"relay"`

	RelayServer struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
	} `yaml:"relay_server"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		RTPListen   string        `yaml:"rtp_listen"`
		MimeType    string        `yaml:"mime_type"`
		RecordPath  string        `yaml:"record_path"`
		PLIInterval time.Duration `yaml:"pli_interval"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Tracing tracing.Config `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
// The peer role is not checked here: it is resolved later from flag, env or
// file and validated by the peer process.
func (c *Config) Validate() error {
	// Peer
	if c.Peer.EventBuffer <= 0 {
		return fmt.Errorf("peer.event_buffer must be > 0")
	}
	if c.Peer.MaxPendingCandidates < 0 {
		return fmt.Errorf("peer.max_pending_candidates must be >= 0")
	}

	// Relay
	switch c.Relay.Kind {
	case RelayWebSocket:
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url must not be empty when relay.kind=websocket")
		}
		if err := validation.ValidateRelayURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	case RelayRedis:
		if c.Relay.RedisChannel == "" {
			return fmt.Errorf("relay.redis_channel must not be empty when relay.kind=redis")
		}
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.kind=redis")
		}
	case RelayMemory:
	default:
		return fmt.Errorf("relay.kind must be one of websocket, redis, memory, got %q", c.Relay.Kind)
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.Dial.Enabled && c.Relay.Dial.MaxAttempts < 0 {
		return fmt.Errorf("relay.dial_retry.max_attempts must be >= 0")
	}

	// Relay server
	if c.RelayServer.Address == "" {
		return fmt.Errorf("relay_server.address must not be empty")
	}
	if c.RelayServer.PingInterval <= 0 {
		return fmt.Errorf("relay_server.ping_interval must be > 0")
	}
	if c.RelayServer.PongTimeout <= c.RelayServer.PingInterval {
		return fmt.Errorf("relay_server.pong_timeout must be > ping_interval")
	}
	if c.RelayServer.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay_server.shutdown_timeout must be > 0")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Media
	if c.Media.MimeType == "" {
		return fmt.Errorf("media.mime_type must not be empty")
	}
	if c.Media.PLIInterval < 0 {
		return fmt.Errorf("media.pli_interval must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Peer.EventBuffer = 64
	cfg.Peer.MaxPendingCandidates = 0 // unbounded

	cfg.Relay.Kind = RelayWebSocket
	cfg.Relay.URL = "ws://localhost:8081/ws"
	cfg.Relay.RedisChannel = "screenlink:signal"
	cfg.Relay.WriteTimeout = 5 * time.Second
	cfg.Relay.Dial = retry.DefaultConfig()
	cfg.Relay.CircuitBreaker = circuitbreaker.DefaultConfig()

	cfg.RelayServer.Address = ":8081"
	cfg.RelayServer.ReadTimeout = 30 * time.Second
	cfg.RelayServer.WriteTimeout = 30 * time.Second
	cfg.RelayServer.ShutdownTimeout = 10 * time.Second
	cfg.RelayServer.PingInterval = 30 * time.Second
	cfg.RelayServer.PongTimeout = 60 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Media.RTPListen = "127.0.0.1:5004"
	cfg.Media.MimeType = "video/VP8"
	cfg.Media.PLIInterval = 3 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Tracing = tracing.DefaultConfig()

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 256
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if role := os.Getenv("SCREENLINK_ROLE"); role != "" {
		c.Peer.Role = role
	}
	if id := os.Getenv("SCREENLINK_PEER_ID"); id != "" {
		c.Peer.ID = id
	}
	if kind := os.Getenv("SCREENLINK_RELAY_KIND"); kind != "" {
		c.Relay.Kind = strings.ToLower(kind)
	}
	if url := os.Getenv("SCREENLINK_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if addr := os.Getenv("SCREENLINK_RELAY_ADDRESS"); addr != "" {
		c.RelayServer.Address = addr
	}
	if addr := os.Getenv("SCREENLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("SCREENLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	// TURN credentials are usually kept out of the file.
	if user, cred := os.Getenv("SCREENLINK_TURN_USERNAME"), os.Getenv("SCREENLINK_TURN_CREDENTIAL"); user != "" || cred != "" {
		for i := range c.WebRTC.ICEServers {
			if hasTURN(c.WebRTC.ICEServers[i].URLs) {
				c.WebRTC.ICEServers[i].Username = user
				c.WebRTC.ICEServers[i].Credential = cred
			}
		}
	}
}

func hasTURN(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
