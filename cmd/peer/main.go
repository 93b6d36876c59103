package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"screenlink/internal/core/domain"
	"screenlink/internal/core/ports"
	"screenlink/internal/core/services"
	"screenlink/internal/infrastructure/media"
	"screenlink/internal/infrastructure/monitoring"
	signaling "screenlink/internal/infrastructure/signal"
	webrtcinfra "screenlink/internal/infrastructure/webrtc"
	"screenlink/pkg/config"
	"screenlink/pkg/logger"
	"screenlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/screenlink/config.yaml",
	"config.yaml",
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	roleFlag := flag.String("role", "", "peer role: broadcaster or viewer (overrides SCREENLINK_ROLE and peer.role)")
	relayFlag := flag.String("relay", "", "relay kind: websocket, redis or memory")
	autoStart := flag.Bool("auto-start", false, "broadcaster: start immediately instead of waiting for Enter")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *relayFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	roleValue := cfg.Peer.Role
	if *roleFlag != "" {
		roleValue = *roleFlag
	}
	role, err := domain.ParseRole(roleValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v (use --role, SCREENLINK_ROLE or peer.role)\n", err)
		os.Exit(2)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialise tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:     cfg,
		metrics: ports.NopMetrics{},
		health:  monitoring.NewHealthChecker(),
		log:     log,
		logs:    logger.NewContextLogger(zapLogger),
	}
	if cfg.Monitoring.PrometheusEnabled {
		a.metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		go a.serveOps(ctx)
	}

	if err := a.run(ctx, role, *autoStart); err != nil {
		log.Errorw("Peer stopped with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
	log.Info("Peer stopped")
}

func loadConfig(path, relayKind string) (*config.Config, error) {
	if path == "" {
		for _, candidate := range configPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if relayKind != "" {
		cfg.Relay.Kind = relayKind
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// app holds what every peer in this process shares.
type app struct {
	cfg     *config.Config
	metrics ports.MetricsRecorder
	health  *monitoring.HealthChecker
	log     *zap.SugaredLogger
	logs    *logger.ContextLogger
}

func (a *app) run(ctx context.Context, role domain.Role, autoStart bool) error {
	if a.cfg.Relay.Kind == config.RelayMemory {
		return a.runLoopback(ctx, role)
	}

	peerID := domain.PeerID(a.cfg.Peer.ID)
	if peerID == "" {
		peerID = domain.NewPeerID()
	}

	channel, cleanup, err := a.newChannel(peerID)
	if err != nil {
		return err
	}
	defer cleanup()

	gate := make(chan struct{})
	if autoStart || role != domain.RoleBroadcaster {
		close(gate)
	} else {
		go waitForEnter(ctx, gate)
	}
	return a.runPeer(ctx, role, peerID, channel, gate)
}

// runLoopback runs role and its counterpart in one process over an
// in-memory bus. The broadcaster starts once the viewer is subscribed.
func (a *app) runLoopback(ctx context.Context, role domain.Role) error {
	bus := signaling.NewMemoryBus()
	counterpart := domain.RoleViewer
	if role == domain.RoleViewer {
		counterpart = domain.RoleBroadcaster
	}

	viewerChannel := &connectNotifier{
		SignalingChannel: bus.Channel("loopback-viewer"),
		connected:        make(chan struct{}),
	}
	peers := map[domain.Role]struct {
		id      domain.PeerID
		channel ports.SignalingChannel
	}{
		domain.RoleBroadcaster: {"loopback-broadcaster", bus.Channel("loopback-broadcaster")},
		domain.RoleViewer:      {"loopback-viewer", viewerChannel},
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, r := range []domain.Role{role, counterpart} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := peers[r]
			errs[i] = a.runPeer(ctx, r, p.id, p.channel, viewerChannel.connected)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (a *app) newChannel(peerID domain.PeerID) (ports.SignalingChannel, func(), error) {
	cfg := a.cfg
	switch cfg.Relay.Kind {
	case config.RelayRedis:
		redisCfg := signaling.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Channel:  cfg.Relay.RedisChannel,
			PeerID:   peerID,
			Dial:     cfg.Relay.Dial,
		}
		client := signaling.NewRedisClient(redisCfg)
		a.health.AddRedisCheck(client, 0, 2*time.Second)
		cleanup := func() {
			if err := client.Close(); err != nil {
				a.log.Warnw("Error closing Redis client", "error", err)
			}
		}
		return signaling.NewRedisChannel(client, redisCfg, a.log), cleanup, nil

	case config.RelayWebSocket:
		return signaling.NewWebSocketChannel(signaling.WebSocketConfig{
			URL:            cfg.Relay.URL,
			Origin:         cfg.Relay.Origin,
			PeerID:         peerID,
			WriteTimeout:   cfg.Relay.WriteTimeout,
			MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
			Dial:           cfg.Relay.Dial,
			CircuitBreaker: cfg.Relay.CircuitBreaker,
		}, a.log), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported relay kind %q", cfg.Relay.Kind)
	}
}

// runPeer builds one coordinator with a pion transport and runs it until ctx
// is done. A broadcaster feeds its track from the RTP listener and starts
// once start is closed.
func (a *app) runPeer(ctx context.Context, role domain.Role, peerID domain.PeerID, channel ports.SignalingChannel, start <-chan struct{}) error {
	ctx = logger.WithPeer(ctx, peerID.String(), role.String())
	log := a.logs.Sugar(ctx)

	transport, err := webrtcinfra.NewPeerTransport(webrtcinfra.ConfigFrom(a.cfg), log)
	if err != nil {
		return err
	}
	presenter := newConsolePresenter(ctx, media.SinkConfig{
		RecordPath:  a.cfg.Media.RecordPath,
		PLIInterval: a.cfg.Media.PLIInterval,
	}, log)

	coordinator, err := services.NewCoordinator(services.CoordinatorConfig{
		Role:                 role,
		PeerID:               peerID,
		EventBuffer:          a.cfg.Peer.EventBuffer,
		MaxPendingCandidates: a.cfg.Peer.MaxPendingCandidates,
	}, channel, transport, presenter, a.metrics, log)
	if err != nil {
		transport.Close()
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- coordinator.Run(ctx) }()

	if role == domain.RoleBroadcaster {
		if err := a.startBroadcaster(ctx, coordinator, log, start); err != nil {
			coordinator.Close()
			<-runErr
			return err
		}
	}

	err = <-runErr
	coordinator.Close()
	presenter.wait()
	return err
}

func (a *app) startBroadcaster(ctx context.Context, coordinator *services.Coordinator, log *zap.SugaredLogger, start <-chan struct{}) error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: a.cfg.Media.MimeType}, "screen", "screenlink")
	if err != nil {
		return fmt.Errorf("failed to create screen track: %w", err)
	}

	source := media.NewRTPSource(a.cfg.Media.RTPListen, track, log)
	addr, err := source.Listen()
	if err != nil {
		return err
	}
	log.Infow("Push screen capture as RTP to the listener", "address", addr.String(), "mime_type", a.cfg.Media.MimeType)

	go func() {
		if err := source.Run(ctx); err != nil {
			log.Errorw("RTP source failed", "error", err)
		}
		log.Infow("RTP source stopped", "packets", source.Packets(), "keyframes", source.Keyframes())
	}()

	go func() {
		select {
		case <-start:
		case <-ctx.Done():
			return
		}
		if err := coordinator.StartBroadcast(ctx, track); err != nil {
			log.Errorw("Cannot start broadcast", "error", err)
		}
	}()
	return nil
}

// serveOps exposes /metrics and /health on the monitoring address.
func (a *app) serveOps(ctx context.Context) {
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", a.health.Handler())

	addr := a.cfg.Monitoring.MetricsAddress
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Infow("Serving metrics and health", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warnw("Ops server failed", "error", err)
	}
}

func waitForEnter(ctx context.Context, gate chan struct{}) {
	fmt.Println("Press Enter to start broadcasting")
	line := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(line)
	}()
	select {
	case <-line:
		close(gate)
	case <-ctx.Done():
	}
}

// connectNotifier closes connected after the first successful Connect.
type connectNotifier struct {
	ports.SignalingChannel
	once      sync.Once
	connected chan struct{}
}

func (n *connectNotifier) Connect(ctx context.Context) error {
	if err := n.SignalingChannel.Connect(ctx); err != nil {
		return err
	}
	n.once.Do(func() { close(n.connected) })
	return nil
}
