package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MiddlewareConfig configures the request logging middleware.
type MiddlewareConfig struct {
	Debug bool
}

// GinMiddleware logs one structured line per request.
func GinMiddleware(base *zap.Logger, cfg MiddlewareConfig) gin.HandlerFunc {
	log := base.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		entry := WithContext(c.Request.Context(), log)
		switch {
		case status >= 500:
			entry.Error("request", fields...)
		case status >= 400:
			entry.Warn("request", fields...)
		case cfg.Debug:
			entry.Debug("request", fields...)
		default:
			entry.Info("request", fields...)
		}
	}
}
