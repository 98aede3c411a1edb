package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/turtacn/sentinel/internal/application/service"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// RequestInspector admits or rejects a call before it reaches a handler.
type RequestInspector interface {
	Inspect(ctx context.Context, req *models.InboundRequest) error
}

// TokenVerifier resolves a bearer token to a subject id.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (string, error)
}

// InterceptorChain holds the collaborators of the unary interceptors.
type InterceptorChain struct {
	log      logger.Logger
	guard    RequestInspector
	verifier TokenVerifier
	// public methods skip bearer authentication.
	public map[string]bool
}

// NewInterceptorChain creates an interceptor chain. guard and verifier may be nil,
// which disables the matching interceptor.
func NewInterceptorChain(log logger.Logger, guard RequestInspector, verifier TokenVerifier, publicMethods ...string) *InterceptorChain {
	public := make(map[string]bool, len(publicMethods))
	for _, m := range publicMethods {
		public[m] = true
	}
	return &InterceptorChain{log: log.WithComponent("GRPCInterceptors"), guard: guard, verifier: verifier, public: public}
}

// UnaryRecoveryInterceptor turns a handler panic into codes.Internal.
func (ic *InterceptorChain) UnaryRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ctx, "gRPC handler panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod))
				err = status.Error(grpcCodes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// UnaryContextInterceptor copies the caller address and tenant header onto ctx.
func (ic *InterceptorChain) UnaryContextInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = service.WithClientIP(ctx, clientIP(ctx))
		if tenant := firstMD(ctx, strings.ToLower(constants.HeaderTenantID)); tenant != "" {
			ctx = service.WithTenantID(ctx, tenant)
		}
		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor logs every completed call.
func (ic *InterceptorChain) UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []logger.Field{
			logger.String("method", info.FullMethod),
			logger.String("client_ip", clientIP(ctx)),
			logger.Duration("duration", time.Since(start)),
			logger.String("status", code.String()),
		}
		if code == grpcCodes.Internal || code == grpcCodes.Unavailable {
			ic.log.Warn(ctx, "gRPC request failed", fields...)
		} else {
			ic.log.Debug(ctx, "gRPC request completed", fields...)
		}
		return resp, err
	}
}

// UnaryGuardInterceptor runs the network guard with the api rate limit.
func (ic *InterceptorChain) UnaryGuardInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if ic.guard == nil {
			return handler(ctx, req)
		}
		err := ic.guard.Inspect(ctx, &models.InboundRequest{
			ClientIP: clientIP(ctx),
			TenantID: firstMD(ctx, strings.ToLower(constants.HeaderTenantID)),
			Action:   constants.RateActionAPI,
			Content:  info.FullMethod,
		})
		if err != nil {
			return nil, toStatus(err)
		}
		return handler(ctx, req)
	}
}

// UnaryAuthInterceptor requires a valid bearer token on every non-public method.
func (ic *InterceptorChain) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if ic.verifier == nil || ic.public[info.FullMethod] {
			return handler(ctx, req)
		}
		token, ok := strings.CutPrefix(firstMD(ctx, "authorization"), "Bearer ")
		if !ok || token == "" {
			return nil, status.Error(grpcCodes.Unauthenticated, "authentication failed")
		}
		subject, err := ic.verifier.VerifyAccessToken(ctx, token)
		if err != nil {
			return nil, toStatus(err)
		}
		return handler(service.WithSubjectID(ctx, subject), req)
	}
}

// UnaryErrorInterceptor maps security errors onto gRPC status codes.
func (ic *InterceptorChain) UnaryErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		return resp, toStatus(err)
	}
}

// ChainUnaryInterceptors returns the full chain as a server option.
func (ic *InterceptorChain) ChainUnaryInterceptors() grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(
		ic.UnaryRecoveryInterceptor(),
		ic.UnaryContextInterceptor(),
		ic.UnaryLoggingInterceptor(),
		ic.UnaryGuardInterceptor(),
		ic.UnaryAuthInterceptor(),
		ic.UnaryErrorInterceptor(),
	)
}

// toStatus converts err to a status carrying only the caller-safe description.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	secErr, ok := errors.AsSecurityError(err)
	if !ok {
		return status.Error(grpcCodes.Internal, "internal server error")
	}
	var code grpcCodes.Code
	switch secErr.Code() {
	case errors.CodeAuthenticationFailed:
		code = grpcCodes.Unauthenticated
	case errors.CodeAuthorizationDenied, errors.CodeBlocked, errors.CodeComplianceViolation:
		code = grpcCodes.PermissionDenied
	case errors.CodeRateLimited:
		code = grpcCodes.ResourceExhausted
	case errors.CodeInvalidRequest:
		code = grpcCodes.InvalidArgument
	case errors.CodeNotFound:
		code = grpcCodes.NotFound
	case errors.CodeConflict:
		code = grpcCodes.AlreadyExists
	case errors.CodeKeyUnavailable:
		code = grpcCodes.Unavailable
	case errors.CodeIntegrityViolation:
		code = grpcCodes.DataLoss
	default:
		code = grpcCodes.Internal
	}
	return status.Error(code, secErr.Description())
}

func firstMD(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func clientIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}
