package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/turtacn/sentinel/internal/application"
	"github.com/turtacn/sentinel/internal/application/service"
	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/internal/infrastructure/crypto"
	"github.com/turtacn/sentinel/internal/infrastructure/kms"
	"github.com/turtacn/sentinel/internal/infrastructure/messaging"
	"github.com/turtacn/sentinel/internal/infrastructure/monitoring"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/bolt"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/database"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/memory"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/redis"
	"github.com/turtacn/sentinel/internal/infrastructure/policy"
	grpcapi "github.com/turtacn/sentinel/internal/interfaces/grpc"
	"github.com/turtacn/sentinel/internal/interfaces/http/handlers"
	"github.com/turtacn/sentinel/internal/interfaces/http/middleware"
	"github.com/turtacn/sentinel/internal/interfaces/http/router"
	"github.com/turtacn/sentinel/pkg/logger"
)

// app is the assembled control plane.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	tracing *monitoring.TracingManager

	db  *gorm.DB
	rdb goredis.UniversalClient

	keys     *application.KeyManagementService
	ledger   *service.ComplianceLedger
	sessions *service.SessionAuthority
	access   *service.AuthorizationEngine
	guard    *service.NetworkGuard
	monitor  *service.SecurityMonitor
	backups  *service.BackupVault

	watcher  *policy.RuleWatcher
	consumer *messaging.SecurityEventConsumer
	sweepers []func()
	closers  []io.Closer

	router *router.Router
	grpc   *grpcapi.Server
}

func build(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetricsAdapter(reg)

	tm, err := monitoring.NewTracingManager(&cfg.Tracing, log)
	if err != nil {
		return nil, err
	}
	a.tracing = tm

	// Storage
	a.db, err = database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(a.db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if cfg.Redis.Enabled {
		a.rdb, err = redis.Connect(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.rdb)
	}

	// Keys
	var masterKeys repository.MasterKeyStore = kms.NewMemoryMasterKeyStore()
	if cfg.Vault.Enabled {
		client, err := kms.NewVaultClient(cfg.Vault)
		if err != nil {
			return nil, err
		}
		masterKeys = kms.NewVaultMasterKeyStore(cfg.Vault, client, log, metrics)
	} else {
		log.Warn(ctx, "Vault disabled, master keys live in process memory only")
	}
	a.keys = application.NewKeyManagementService(masterKeys, database.NewDEKRepository(a.db), cfg.Keys.RotationInterval, log,
		application.WithKeyMetrics(metrics))
	if err := a.keys.Init(ctx); err != nil {
		return nil, err
	}

	// Ledger
	hmacKey, err := cfg.Ledger.HMACKeyBytes()
	if err != nil {
		return nil, err
	}
	var auditRepo repository.AuditRepository = memory.NewAuditRepository()
	if cfg.Ledger.Persist {
		auditRepo = database.NewAuditRepository(a.db)
	}
	ledgerOpts := []service.LedgerOption{service.WithLedgerMetrics(metrics), service.WithPIIKeys(cfg.Ledger.PIIKeys)}
	if len(cfg.Ledger.Controls) > 0 {
		ledgerOpts = append(ledgerOpts, service.WithControls(cfg.Ledger.Controls))
	}
	if cfg.Kafka.Enabled && cfg.Ledger.Mirror {
		mirror := messaging.NewAuditMirror(messaging.NewWriter(cfg.Kafka, cfg.Kafka.AuditTopic), log)
		a.closers = append(a.closers, mirror)
		ledgerOpts = append(ledgerOpts, service.WithLedgerMirror(mirror))
	}
	a.ledger, err = service.NewComplianceLedger(auditRepo, hmacKey, log, ledgerOpts...)
	if err != nil {
		return nil, err
	}
	a.ledger.SetCoverageReporter(a.keys)
	a.keys.SetAuditLogger(a.ledger)

	// Sessions
	secret, err := cfg.Session.SigningSecretBytes()
	if err != nil {
		return nil, err
	}
	codec, err := crypto.NewTokenCodec(secret, time.Now)
	if err != nil {
		return nil, err
	}
	var sessionStore repository.SessionStore
	if a.rdb != nil {
		sessionStore = redis.NewSessionStore(a.rdb, cfg.Redis.KeyPrefix)
	} else {
		ms := memory.NewSessionStore(time.Now)
		a.sweepers = append(a.sweepers, func() { ms.Sweep() })
		sessionStore = ms
	}
	var lockouts repository.LockoutStore = memory.NewLockoutStore()
	if a.rdb != nil {
		lockouts = redis.NewLockoutStore(a.rdb, cfg.Redis.KeyPrefix, cfg.Session.LockoutWindow+cfg.Session.LockoutDuration)
	}
	a.sessions = service.NewSessionAuthority(codec, sessionStore, database.NewCredentialStore(a.db), lockouts,
		a.keys, a.ledger, log,
		service.WithSessionMetrics(metrics),
		service.WithSessionPolicy(service.SessionPolicy{
			AccessTTL:        cfg.Session.AccessTokenTTL,
			RefreshTTL:       cfg.Session.RefreshTokenTTL,
			LockoutThreshold: cfg.Session.LockoutThreshold,
			LockoutDuration:  cfg.Session.LockoutDuration,
			LockoutWindow:    cfg.Session.LockoutWindow,
			MFAIssuer:        cfg.Session.MFAIssuer,
		}))

	// Access
	a.access = service.NewAuthorizationEngine(database.NewAccessStore(a.db), a.ledger, log, service.WithAuthzMetrics(metrics))
	if err := a.access.SeedRoles(ctx, service.DefaultRoles()); err != nil {
		return nil, fmt.Errorf("seed roles: %w", err)
	}
	if admin := cfg.Access.BootstrapAdmin; admin != "" {
		if err := a.sessions.RegisterCredential(ctx, admin, cfg.Access.BootstrapPassword); err != nil {
			return nil, fmt.Errorf("register bootstrap admin: %w", err)
		}
		if err := a.access.AssignRole(ctx, admin, service.AdminRole); err != nil {
			return nil, fmt.Errorf("assign bootstrap admin: %w", err)
		}
		log.Info(ctx, "Bootstrap admin provisioned", logger.String("subject_id", admin))
	}

	// Guard
	var inspector domainService.ContentInspector = policy.DefaultRuleSet()
	if cfg.WAF.RuleFile != "" {
		a.watcher, err = policy.NewRuleWatcher(cfg.WAF.RuleFile, log)
		if err != nil {
			return nil, err
		}
		inspector = a.watcher
	}
	guardOpts := []service.GuardOption{
		service.WithGuardMetrics(metrics),
		service.WithRateLimits(rateLimits(cfg.RateLimit)),
		service.WithAllowlistStore(database.NewAllowlistStore(a.db)),
	}
	if !cfg.WAF.Enabled {
		guardOpts = append(guardOpts, service.WithWAFDisabled())
	}
	if !cfg.RateLimit.Enabled {
		guardOpts = append(guardOpts, service.WithRateLimitDisabled())
	}
	local := memory.NewRateCounterStore(time.Now)
	a.sweepers = append(a.sweepers, local.Sweep)
	var counters repository.RateCounterStore = local
	var blocks repository.BlockStore
	if a.rdb != nil {
		counters = redis.NewRateCounterStore(a.rdb, cfg.Redis.KeyPrefix)
		guardOpts = append(guardOpts, service.WithFallbackCounters(local))
		blocks = redis.NewBlockStore(a.rdb, cfg.Redis.KeyPrefix)
	} else {
		blocks = memory.NewBlockStore(time.Now)
	}
	a.guard = service.NewNetworkGuard(counters, blocks, inspector, a.ledger, log, guardOpts...)

	// Monitor
	var alerter domainService.Alerter = monitoring.NewLogAlerter(log)
	if cfg.Kafka.Enabled {
		pub := messaging.NewAlertPublisher(messaging.NewWriter(cfg.Kafka, cfg.Kafka.AlertTopic), log)
		a.closers = append(a.closers, pub)
		alerter = pub
	}
	a.monitor = service.NewSecurityMonitor(a.guard, a.sessions, a.ledger, log,
		service.WithAlerter(alerter),
		service.WithAlertRate(cfg.Monitor.AlertsPerSecond, 10),
		service.WithMonitorInterval(cfg.Monitor.Interval),
		service.WithBlockTTL(cfg.Monitor.BlockTTL),
		service.WithMonitorMetrics(metrics),
		service.WithDetectors(detectors(cfg.Monitor)...))
	a.sessions.SetSecuritySink(a.monitor)
	a.access.SetSecuritySink(a.monitor)
	a.keys.SetSecuritySink(a.monitor)
	if cfg.Kafka.Enabled {
		a.consumer = messaging.NewSecurityEventConsumer(messaging.NewReader(cfg.Kafka), a.monitor, log)
		a.closers = append(a.closers, a.consumer)
	}

	// Backups
	regions := make([]repository.RegionStore, 0, len(cfg.Backup.Regions))
	for _, name := range cfg.Backup.Regions {
		rs, err := bolt.OpenRegionStore(cfg.Backup.Directory, name)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs)
		regions = append(regions, rs)
	}
	a.backups, err = service.NewBackupVault(a.keys, regions, a.ledger, log,
		service.WithBackupMetrics(metrics), service.WithBackupSecuritySink(a.monitor))
	if err != nil {
		return nil, err
	}

	// HTTP
	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"keys": func(ctx context.Context) error {
			_, err := a.keys.CurrentMasterKeyID(ctx)
			return err
		},
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	a.router = router.NewRouter(cfg.Server, log, router.Handlers{
		Health:   handlers.NewHealthHandler(checks, log),
		Session:  handlers.NewSessionHandler(a.sessions, log),
		Access:   handlers.NewAccessHandler(a.access, log),
		Guard:    handlers.NewGuardHandler(a.guard, log),
		Security: handlers.NewSecurityHandler(a.monitor, log),
		Ledger:   handlers.NewLedgerHandler(a.ledger, log),
		Keys:     handlers.NewKeyHandler(a.keys, log),
		Backups:  handlers.NewBackupHandler(a.backups, log),
	}, router.Dependencies{
		Inspector:   a.guard,
		Verifier:    a.sessions,
		Permissions: a.access,
		Policies:    a.access,
		Recorder:    a.monitor,
		Tracer:      tm.Tracer(),
		HTTPMetrics: middleware.NewHTTPMetrics(reg),
		Gatherer:    reg,
		Redis:       a.rdb,
	})
	a.router.SetupRoutes()

	// gRPC
	if cfg.Server.GRPCPort > 0 {
		probes := make(map[string]grpcapi.Check, len(checks))
		for name, c := range checks {
			probes[name] = grpcapi.Check(c)
		}
		chain := grpcapi.NewInterceptorChain(log, a.guard, a.sessions, grpcapi.HealthCheckMethod)
		a.grpc = grpcapi.NewServer(cfg.Server.GRPCAddr(), chain, probes, log)
	}

	ok = true
	return a, nil
}

func rateLimits(cfg config.RateLimitConfig) map[string]models.RateLimitRule {
	out := service.DefaultRateLimits()
	for action, r := range cfg.Actions {
		out[action] = models.RateLimitRule{Max: r.Max, Window: r.Window}
	}
	return out
}

func detectors(cfg config.MonitorConfig) []domainService.Detector {
	out := service.DefaultDetectors()
	for _, d := range out {
		switch d := d.(type) {
		case *service.BruteForceDetector:
			if cfg.BruteForceThreshold > 0 {
				d.Threshold = cfg.BruteForceThreshold
			}
		case *service.ExfiltrationDetector:
			if cfg.ExfiltrationThreshold > 0 {
				d.Threshold = cfg.ExfiltrationThreshold
			}
			if cfg.ExfiltrationCritical > 0 {
				d.Critical = cfg.ExfiltrationCritical
			}
		}
	}
	return out
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn(context.Background(), "Close failed", logger.Err(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
