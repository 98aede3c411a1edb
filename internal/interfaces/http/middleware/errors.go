package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

// AbortWithError writes err as the JSON error body and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	status, resp := errors.ToErrorResponse(err)
	if resp.RetryAfter > 0 {
		c.Header(constants.HeaderRetryAfter, strconv.Itoa(resp.RetryAfter))
	}
	c.AbortWithStatusJSON(status, resp)
}
