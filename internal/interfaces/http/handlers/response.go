package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/interfaces/http/middleware"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
	"github.com/turtacn/sentinel/pkg/utils"
)

// bindJSON decodes and validates the body into dst. On failure the response is
// already written.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.AbortWithError(c, errors.ErrInvalidRequest("malformed request body").WithCause(err))
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		middleware.AbortWithError(c, err)
		return false
	}
	return true
}

// respondError logs server side failures and writes the error body.
func respondError(c *gin.Context, log logger.Logger, err error) {
	status, _ := errors.ToErrorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error(c.Request.Context(), "Request failed", err,
			logger.String("path", c.FullPath()),
			logger.String("request_id", middleware.RequestID(c.Request.Context())))
	}
	middleware.AbortWithError(c, err)
}

// noStore marks responses carrying secrets as uncacheable.
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
