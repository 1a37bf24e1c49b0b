package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/syscall-sdk/relayer/logger"
)

// corsPolicy lets browser dApps call the API with credentials. Without an
// allow-list every http and https origin is accepted.
func corsPolicy(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowHeaders:     []string{"Origin", "Accept", "Content-Type", "Authorization", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(origin string) bool {
			return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
		}
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowWildcard = true
	}
	return cors.New(cfg)
}

// accessLog writes one entry per request through l.
func accessLog(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]any{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"latency":  time.Since(start),
			"clientIp": c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.Last().Err
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			l.Error("request failed", fields)
		case status >= 400:
			l.Warn("request rejected", fields)
		default:
			l.Info("request served", fields)
		}
	}
}
