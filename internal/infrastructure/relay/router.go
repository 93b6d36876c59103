package relay

import (
	"screenlink/internal/infrastructure/middleware"
	"screenlink/internal/infrastructure/monitoring"
	"screenlink/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter exposes the relay at /ws together with /health and, when
// enabled, /metrics.
func NewRouter(cfg *config.Config, server *Server, health *monitoring.HealthChecker, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(logger),
	)

	router.GET("/ws", middleware.NewHTTPRateLimitMiddleware(cfg), gin.WrapF(server.HandleWebSocket))
	router.GET("/health", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return router
}
