package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/turtacn/sentinel/internal/application/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/logger"
)

// RequestContext tags every request with an ID, the caller address and the tenant
// header, then writes one access log line when the handler returns.
func RequestContext(log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("HTTP")
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(constants.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(constants.HeaderRequestID, requestID)

		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyRequestID, requestID)
		ctx = service.WithClientIP(ctx, c.ClientIP())
		if tenant := c.GetHeader(constants.HeaderTenantID); tenant != "" {
			ctx = service.WithTenantID(ctx, tenant)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		fields := []logger.Field{
			logger.String("request_id", requestID),
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			log.Warn(c.Request.Context(), "Request failed", fields...)
			return
		}
		log.Debug(c.Request.Context(), "Request served", fields...)
	}
}

// RequestID returns the ID assigned by RequestContext.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(constants.ContextKeyRequestID).(string)
	return v
}
