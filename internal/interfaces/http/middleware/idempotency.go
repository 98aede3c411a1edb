package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// HeaderIdempotencyKey carries the client chosen key of a mutating request.
const HeaderIdempotencyKey = "Idempotency-Key"

// IdempotencyMiddleware rejects a repeated mutating request carrying an
// Idempotency-Key already seen within ttl. Requests without the header pass through.
// Keys are scoped per authenticated subject when one is known.
func IdempotencyMiddleware(rdb redis.UniversalClient, ttl time.Duration, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > 128 {
			AbortWithError(c, errors.ErrInvalidRequest("idempotency key too long"))
			return
		}

		redisKey := "sentinel:idem:" + SubjectID(c) + ":" + c.FullPath() + ":" + key
		isNew, err := rdb.SetNX(c.Request.Context(), redisKey, time.Now().Unix(), ttl).Result()
		if err != nil {
			// Fail open: a cache outage must not take mutating endpoints down.
			log.Error(c.Request.Context(), "Idempotency check failed", err, logger.String("key", key))
			c.Next()
			return
		}
		if !isNew {
			log.Warn(c.Request.Context(), "Duplicate request rejected", logger.String("key", key))
			AbortWithError(c, errors.ErrConflict("request with this idempotency key was already processed"))
			return
		}
		c.Next()
	}
}
