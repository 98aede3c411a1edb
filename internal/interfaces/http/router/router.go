package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/internal/interfaces/http/handlers"
	"github.com/turtacn/sentinel/internal/interfaces/http/middleware"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/logger"
)

// Handlers groups every HTTP handler the router mounts.
type Handlers struct {
	Health   *handlers.HealthHandler
	Session  *handlers.SessionHandler
	Access   *handlers.AccessHandler
	Guard    *handlers.GuardHandler
	Security *handlers.SecurityHandler
	Ledger   *handlers.LedgerHandler
	Keys     *handlers.KeyHandler
	Backups  *handlers.BackupHandler
}

// Dependencies are the cross-cutting collaborators of the middleware chain.
type Dependencies struct {
	Inspector   middleware.RequestInspector
	Verifier    middleware.TokenVerifier
	Permissions middleware.PermissionChecker
	// Policies authorizes tenant-scoped routes against tenants/<id>.
	Policies middleware.PolicyAuthorizer
	// Recorder receives data access events for read routes when set.
	Recorder    middleware.AccessRecorder
	Tracer      trace.Tracer
	HTTPMetrics *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	// Redis enables Idempotency-Key handling when set.
	Redis redis.UniversalClient
}

// Router owns the gin engine and the HTTP server.
type Router struct {
	engine *gin.Engine
	config config.ServerConfig
	logger logger.Logger
	h      Handlers
	deps   Dependencies
	server *http.Server
}

// NewRouter creates a router. Routes are mounted by SetupRoutes.
func NewRouter(cfg config.ServerConfig, log logger.Logger, h Handlers, deps Dependencies) *Router {
	gin.SetMode(gin.ReleaseMode)
	return &Router{
		engine: gin.New(),
		config: cfg,
		logger: log.WithComponent("Router"),
		h:      h,
		deps:   deps,
	}
}

// SetupRoutes installs the middleware chain and every route.
func (r *Router) SetupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.RequestContext(r.logger))
	if r.deps.Tracer != nil && r.deps.HTTPMetrics != nil {
		r.engine.Use(middleware.ObservabilityMiddleware(r.deps.Tracer, r.deps.HTTPMetrics))
	}

	origins := r.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.engine.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", constants.HeaderAuthorization, constants.HeaderRequestID,
			constants.HeaderTenantID, middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{constants.HeaderRequestID, constants.HeaderRetryAfter,
			constants.HeaderRateLimit, constants.HeaderRateRemaining},
		MaxAge: 12 * time.Hour,
	}))

	// Probes and metrics stay outside the guard.
	r.engine.GET("/healthz", r.h.Health.Liveness)
	r.engine.GET("/readyz", r.h.Health.Readiness)
	gatherer := r.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	if r.config.EnablePprof {
		pprof.Register(r.engine)
	}

	guard := func(action string) gin.HandlerFunc {
		return middleware.GuardMiddleware(r.deps.Inspector, action, r.logger)
	}
	perm := func(resource, action string) gin.HandlerFunc {
		if action == "read" && r.deps.Recorder != nil {
			return middleware.RequirePermission(r.deps.Permissions, resource, action, middleware.WithAccessRecorder(r.deps.Recorder))
		}
		return middleware.RequirePermission(r.deps.Permissions, resource, action)
	}
	tenant := func(action string) gin.HandlerFunc {
		return middleware.RequireTenantAccess(r.deps.Policies, action)
	}

	v1 := r.engine.Group("/v1")
	v1.POST("/auth/login", guard(constants.RateActionLogin), r.h.Session.Login)
	v1.POST("/auth/refresh", guard(constants.RateActionRefresh), r.h.Session.Refresh)

	authed := v1.Group("", guard(constants.RateActionAPI), middleware.RequireSession(r.deps.Verifier, r.logger))
	if r.deps.Redis != nil && r.config.IdempotencyTTL > 0 {
		authed.Use(middleware.IdempotencyMiddleware(r.deps.Redis, r.config.IdempotencyTTL, r.logger))
	}
	{
		authed.POST("/auth/revoke", r.h.Session.Revoke)
		authed.POST("/auth/revoke-all", r.h.Session.RevokeAll)
		authed.POST("/auth/mfa", r.h.Session.EnableMFA)
		authed.POST("/auth/mfa/verify", guard(constants.RateActionMFA), r.h.Session.VerifyMFA)

		authed.PUT("/credentials", perm("credentials", "write"), r.h.Session.RegisterCredential)
		authed.POST("/subjects/:subject/sessions/revoke", perm("sessions", "revoke"), r.h.Session.RevokeSubject)

		authed.PUT("/roles/:role", perm("roles", "write"), r.h.Access.DefineRole)
		authed.GET("/subjects/:subject/roles", perm("roles", "read"), r.h.Access.ListRoles)
		authed.POST("/subjects/:subject/roles", perm("roles", "write"), r.h.Access.AssignRole)
		authed.DELETE("/subjects/:subject/roles/:role", perm("roles", "write"), r.h.Access.UnassignRole)
		authed.PUT("/policies/:resource", perm("policies", "write"), r.h.Access.SetPolicy)
		authed.DELETE("/policies/:resource", perm("policies", "write"), r.h.Access.RemovePolicy)
		authed.POST("/access/check", perm("access", "read"), r.h.Access.Check)
		authed.POST("/grants", perm("grants", "write"), r.h.Access.Grant)
		authed.DELETE("/grants/:subject/:resource", perm("grants", "write"), r.h.Access.RevokeGrant)

		authed.GET("/guard/blocks", perm("guard", "read"), r.h.Guard.ListBlocked)
		authed.POST("/guard/blocks", perm("guard", "write"), r.h.Guard.Block)
		authed.DELETE("/guard/blocks/:ip", perm("guard", "write"), r.h.Guard.Unblock)
		authed.PUT("/guard/allowlists/:tenant", perm("guard", "write"), r.h.Guard.SetAllowlist)
		authed.POST("/guard/dlp/scan", perm("guard", "read"), r.h.Guard.ScanDLP)

		authed.GET("/threats", perm("threats", "read"), r.h.Security.ListThreats)
		authed.GET("/threats/:id", perm("threats", "read"), r.h.Security.GetThreat)

		authed.GET("/audit/events", perm("ledger", "read"), r.h.Ledger.QueryEvents)
		authed.GET("/audit/verify", perm("ledger", "read"), r.h.Ledger.VerifyChain)
		authed.GET("/audit/report", perm("reports", "read"), r.h.Ledger.Report)
		authed.POST("/audit/erasures", perm("ledger", "erase"), r.h.Ledger.Erase)

		authed.POST("/keys/rotate", perm("keys", "rotate"), r.h.Keys.Rotate)
		authed.GET("/keys/coverage", perm("keys", "read"), r.h.Keys.Coverage)
		authed.PUT("/tenants/:tenant/key", perm("keys", "import"), tenant("import"), r.h.Keys.ImportTenantKey)
		authed.POST("/tenants/:tenant/seal", perm("crypto", "encrypt"), tenant("encrypt"), r.h.Keys.Seal)
		authed.POST("/tenants/:tenant/open", perm("crypto", "decrypt"), tenant("decrypt"), r.h.Keys.Open)

		authed.GET("/backups", perm("backups", "read"), r.h.Backups.List)
		authed.POST("/backups", perm("backups", "write"), r.h.Backups.Create)
		authed.POST("/backups/:id/restore", perm("backups", "restore"), r.h.Backups.Restore)
		authed.POST("/restores", perm("backups", "restore"), r.h.Backups.RestorePoint)
		authed.POST("/backups-prune", perm("backups", "delete"), r.h.Backups.Prune)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": "The requested resource was not found",
		})
	})
}

// Start serves until Stop is called.
func (r *Router) Start() error {
	r.server = &http.Server{
		Addr:           r.config.Addr(),
		Handler:        r.engine,
		ReadTimeout:    r.config.ReadTimeout,
		WriteTimeout:   r.config.WriteTimeout,
		IdleTimeout:    2 * r.config.ReadTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	r.logger.Info(context.Background(), "Starting HTTP server", logger.String("address", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests.
func (r *Router) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.logger.Info(ctx, "Stopping HTTP server")
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
