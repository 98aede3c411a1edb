package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/turtacn/sentinel/internal/application/service"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/memory"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/redis"
	"github.com/turtacn/sentinel/internal/infrastructure/policy"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func serve(r http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGuardMiddleware(t *testing.T) {
	log := logger.NewNoopLogger()
	mr, rdb := newMiniredis(t)
	blocks := memory.NewBlockStore(time.Now)
	guard := service.NewNetworkGuard(
		redis.NewRateCounterStore(rdb, "test:rl:"),
		blocks,
		policy.DefaultRuleSet(),
		nil,
		log,
		service.WithRateLimits(map[string]models.RateLimitRule{
			constants.RateActionAPI: {Max: 2, Window: time.Second},
		}),
	)

	var seenBody string
	router := gin.New()
	router.Use(GuardMiddleware(guard, constants.RateActionAPI, log))
	router.POST("/echo", func(c *gin.Context) {
		b, _ := c.GetRawData()
		seenBody = string(b)
		c.Status(http.StatusOK)
	})

	t.Run("allows within budget and restores the body", func(t *testing.T) {
		mr.FlushAll()
		w := serve(router, http.MethodPost, "/echo", `{"name":"widget"}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"name":"widget"}`, seenBody)
	})

	t.Run("denies over budget with Retry-After", func(t *testing.T) {
		mr.FlushAll()
		for i := 0; i < 2; i++ {
			assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/echo", "ok", nil).Code)
		}
		w := serve(router, http.MethodPost, "/echo", "ok", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))
		assert.Contains(t, w.Body.String(), string(errors.CodeRateLimited))

		mr.FastForward(time.Second)
		assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/echo", "ok", nil).Code)
	})

	t.Run("blocks injection in the query string", func(t *testing.T) {
		mr.FlushAll()
		w := serve(router, http.MethodPost, "/echo?q=1%27%20UNION%20SELECT%20password%20FROM%20users", "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), string(errors.CodeBlocked))
	})

	t.Run("blocks injection in the body", func(t *testing.T) {
		mr.FlushAll()
		w := serve(router, http.MethodPost, "/echo", `{"bio":"<script>alert(1)</script>"}`, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("blocked addresses are refused", func(t *testing.T) {
		mr.FlushAll()
		require.NoError(t, guard.BlockIP(context.Background(), "192.0.2.1", "test", time.Minute))
		w := serve(router, http.MethodPost, "/echo", "ok", nil)
		assert.Equal(t, http.StatusForbidden, w.Code, "httptest requests come from 192.0.2.1")
		require.NoError(t, guard.UnblockIP(context.Background(), "192.0.2.1"))
	})
}

type fakeVerifier map[string]string

func (f fakeVerifier) VerifyAccessToken(_ context.Context, token string) (string, error) {
	if s, ok := f[token]; ok {
		return s, nil
	}
	return "", errors.ErrAuthenticationFailed("token invalid")
}

type fakeChecker map[string]bool

func (f fakeChecker) CheckPermission(_ context.Context, subject, resource, action string) bool {
	return f[subject+"|"+resource+"|"+action]
}

func TestRequireSessionAndPermission(t *testing.T) {
	log := logger.NewNoopLogger()
	router := gin.New()
	router.Use(RequireSession(fakeVerifier{"good": "alice", "weak": "bob"}, log))
	router.GET("/keys",
		RequirePermission(fakeChecker{"alice|keys|read": true}, "keys", "read"),
		func(c *gin.Context) {
			c.String(http.StatusOK, SubjectID(c))
		})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"not permitted", "Bearer weak", http.StatusForbidden},
		{"permitted", "Bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers[constants.HeaderAuthorization] = tt.header
			}
			w := serve(router, http.MethodGet, "/keys", "", headers)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
			}
		})
	}
}

func TestObservabilityMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	router := gin.New()
	router.Use(ObservabilityMiddleware(otel.Tracer("test"), m))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/test", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/missing", "", nil).Code)

	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/test", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "not_found", "404")))
}

func TestIdempotencyMiddleware(t *testing.T) {
	mr, rdb := newMiniredis(t)
	router := gin.New()
	router.Use(IdempotencyMiddleware(rdb, time.Hour, logger.NewNoopLogger()))
	router.POST("/backups", func(c *gin.Context) { c.Status(http.StatusCreated) })
	router.GET("/backups", func(c *gin.Context) { c.Status(http.StatusOK) })

	key := map[string]string{HeaderIdempotencyKey: "k-1"}
	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/backups", "", key).Code)
	assert.Equal(t, http.StatusConflict, serve(router, http.MethodPost, "/backups", "", key).Code)
	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/backups", "", nil).Code, "requests without a key pass")
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/backups", "", key).Code, "reads are not deduplicated")

	mr.FastForward(time.Hour)
	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/backups", "", key).Code, "keys expire")

	mr.Close()
	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/backups", "", key).Code, "fails open when redis is down")
}

func TestRequestContext(t *testing.T) {
	router := gin.New()
	router.Use(RequestContext(logger.NewNoopLogger()))
	router.GET("/ctx", func(c *gin.Context) {
		tenant, _ := c.Request.Context().Value(constants.ContextKeyTenantID).(string)
		c.JSON(http.StatusOK, gin.H{"request_id": RequestID(c.Request.Context()), "tenant": tenant})
	})

	w := serve(router, http.MethodGet, "/ctx", "", map[string]string{constants.HeaderTenantID: "acme"})
	require.Equal(t, http.StatusOK, w.Code)
	generated := w.Header().Get(constants.HeaderRequestID)
	assert.NotEmpty(t, generated)
	assert.Contains(t, w.Body.String(), generated)
	assert.Contains(t, w.Body.String(), `"tenant":"acme"`)

	w = serve(router, http.MethodGet, "/ctx", "", map[string]string{constants.HeaderRequestID: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(constants.HeaderRequestID))
}
