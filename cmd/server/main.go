package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/internal/infrastructure/monitoring"
	"github.com/turtacn/sentinel/pkg/logger"
)

const (
	sweepInterval   = time.Minute
	pruneInterval   = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
	healthInterval  = 10 * time.Second
)

func main() {
	if err := run(os.Getenv("SENTINEL_CONFIG")); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "Startup failed", err)
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.keys.ScheduleRotation(gctx, cfg.Keys.CheckInterval)
		return nil
	})
	g.Go(func() error {
		a.monitor.Start(gctx)
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			a.consumer.Start(gctx)
			return nil
		})
	}
	if a.watcher != nil && cfg.WAF.Watch {
		g.Go(func() error {
			if err := a.watcher.Watch(gctx); err != nil && gctx.Err() == nil {
				log.Error(gctx, "Rule watcher stopped", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		every(gctx, sweepInterval, func() {
			for _, sweep := range a.sweepers {
				sweep()
			}
		})
		return nil
	})
	if cfg.Backup.RetentionDays > 0 {
		g.Go(func() error {
			every(gctx, pruneInterval, func() {
				if n, err := a.backups.PruneOlderThan(gctx, cfg.Backup.RetentionDays); err != nil {
					log.Error(gctx, "Backup pruning failed", err)
				} else if n > 0 {
					log.Info(gctx, "Pruned backups", logger.Int("removed", n))
				}
			})
			return nil
		})
	}
	g.Go(func() error {
		return a.router.Start()
	})
	if a.grpc != nil {
		g.Go(func() error {
			a.grpc.WatchHealth(gctx, healthInterval)
			return nil
		})
		g.Go(func() error {
			return a.grpc.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.router.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "HTTP shutdown failed", err)
		}
		if a.grpc != nil {
			a.grpc.Stop(shutdownCtx)
		}
		if err := a.tracing.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Tracer shutdown failed", err)
		}
		return nil
	})

	log.Info(ctx, "Sentinel started", logger.String("address", cfg.Server.Addr()))
	err = g.Wait()
	log.Info(context.Background(), "Sentinel stopped")
	return err
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
