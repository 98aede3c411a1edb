// Package grpc exposes the control plane's gRPC surface: the standard health
// service, driven by the same readiness checks as /readyz, behind the security
// interceptor chain.
package grpc

import (
	"context"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/turtacn/sentinel/pkg/logger"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "sentinel.v1.ControlPlane"

// HealthCheckMethod is exempt from bearer authentication.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// Check is one readiness probe.
type Check func(ctx context.Context) error

// Server wraps a grpc.Server and its health reporter.
type Server struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
	checks map[string]Check
	log    logger.Logger
}

// NewServer builds a server listening on addr with chain installed.
func NewServer(addr string, chain *InterceptorChain, checks map[string]Check, log logger.Logger) *Server {
	srv := grpc.NewServer(chain.ChainUnaryInterceptors())
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{addr: addr, srv: srv, health: hs, checks: checks, log: log.WithComponent("GRPCServer")}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "Starting gRPC server", logger.String("address", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// WatchHealth re-runs the readiness checks every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh runs every check once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	serving := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.checks[name](checkCtx)
		cancel()
		if err != nil {
			s.log.Warn(ctx, "Readiness check failed", logger.String("check", name), logger.Err(err))
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.setStatus(serving)
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Stop drains in-flight calls, forcing the stop when ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}
