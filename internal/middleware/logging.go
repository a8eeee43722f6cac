// Package middleware carries the gin middleware shared by the three HTTP
// servers: correlation IDs, request logging, caller identity, and AppError
// rendering.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskloop/taskloop/internal/telemetry"
)

// CorrelationIDHeader is propagated end to end; the sidecar and upstream
// services reuse it so one request keeps one ID across hops.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationID assigns or propagates the correlation ID and stores it in
// the request context, where GetContextualLogger picks it up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		ctx := telemetry.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationIDHeader, correlationID)
		c.Next()
	}
}

// RequestLogger logs one line per request after it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		telemetry.GetContextualLogger(c.Request.Context()).WithFields(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}).Info("Request handled")
	}
}
