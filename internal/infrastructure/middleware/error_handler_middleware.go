package middleware

import (
	"net/http"

	"screenlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindProtocolIgnorable, errors.KindNegotiationFatal:
		return http.StatusBadRequest
	case errors.KindRecoverableTransient, errors.KindTransportFatal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware turns errors attached with c.Error into JSON responses.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			status := statusForKind(appErr.Kind)
			logger.Errorw("request failed",
				"kind", appErr.Kind,
				"message", appErr.Message,
				"status", status,
				"path", c.Request.URL.Path,
				"context", appErr.Context,
			)
			c.JSON(status, gin.H{
				"error":   string(appErr.Kind),
				"message": appErr.Message,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.KindInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.KindInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
