package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/logger"
)

// maxInspectedBody bounds how much of a request body the WAF sees.
const maxInspectedBody = 64 << 10

// RequestInspector is the edge check run before a handler.
type RequestInspector interface {
	Inspect(ctx context.Context, req *models.InboundRequest) error
}

// GuardMiddleware runs every request through inspector under the given rate limit
// action. The body is read for inspection and then restored for the handler.
func GuardMiddleware(inspector RequestInspector, action string, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &models.InboundRequest{
			ClientIP: c.ClientIP(),
			TenantID: c.GetHeader(constants.HeaderTenantID),
			Action:   action,
			Content:  inspectable(c),
		}
		if err := inspector.Inspect(c.Request.Context(), req); err != nil {
			log.Warn(c.Request.Context(), "Request rejected at edge",
				logger.String("client_ip", req.ClientIP),
				logger.String("action", action),
				logger.String("path", c.Request.URL.Path),
				logger.Err(err))
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// inspectable is the decoded path, query and leading body bytes of the request.
func inspectable(c *gin.Context) string {
	var b strings.Builder
	b.WriteString(unescape(c.Request.URL.Path))
	if q := c.Request.URL.RawQuery; q != "" {
		b.WriteByte('?')
		b.WriteString(unescape(q))
	}
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		head, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInspectedBody))
		if err == nil && len(head) > 0 {
			b.WriteByte('\n')
			b.Write(head)
		}
		c.Request.Body = readCloser{io.MultiReader(bytes.NewReader(head), c.Request.Body), c.Request.Body}
	}
	return b.String()
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

type readCloser struct {
	io.Reader
	io.Closer
}
