package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"screenlink/internal/infrastructure/middleware"
	"screenlink/internal/infrastructure/monitoring"
	"screenlink/internal/infrastructure/relay"
	"screenlink/pkg/config"
	"screenlink/pkg/logger"
	"screenlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	path := *configPath
	if path == "" {
		for _, candidate := range []string{
			"configs/config.yaml",
			"./configs/config.yaml",
			"/etc/screenlink/config.yaml",
			"config.yaml",
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialise tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	var metrics relay.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	newLimiter := func() *rate.Limiter { return middleware.NewMessageLimiter(cfg) }
	server := relay.NewServer(relay.ServerConfigFrom(cfg), newLimiter, metrics, log.With("component", "relay"))

	health := monitoring.NewHealthChecker()
	health.AddRelayCheck(server.Accepting, 10*time.Second, time.Second)
	health.OnUnhealthy(func(name string, err error) {
		log.Warnw("Health check failing", "check", name, "error", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.StartBackgroundChecks(ctx)

	srv := &http.Server{
		Addr:         cfg.RelayServer.Address,
		Handler:      relay.NewRouter(cfg, server, health, log),
		ReadTimeout:  cfg.RelayServer.ReadTimeout,
		WriteTimeout: cfg.RelayServer.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting relay", "address", cfg.RelayServer.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		log.Errorw("Relay server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RelayServer.ShutdownTimeout)
	defer shutdownCancel()

	log.Infow("Draining relay",
		"connections", server.ConnectionCount(),
		"peers", server.ConnectedPeers(),
	)
	// Peers get a close frame before the listener goes away.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Relay connections did not drain in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown failed", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Failed to close HTTP server", "error", closeErr)
		}
	}
	log.Info("Relay stopped")
}
