package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

// GRPCHandler serves the gRPC health protocol, reporting SERVING while the
// database answers pings.
type GRPCHandler struct {
	health  *health.Server
	db      Pinger
	service string
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(db Pinger, serviceName string, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		health:  health.NewServer(),
		db:      db,
		service: serviceName,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register attaches the health service to srv.
func (h *GRPCHandler) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
}

// Check pings the database once and publishes the result for the overall
// server and the named service.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("gRPC health: database unreachable")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(h.service, st)
	return st
}

// Watch re-checks health every interval until ctx ends, then marks the
// server NOT_SERVING.
func (h *GRPCHandler) Watch(ctx context.Context, interval time.Duration) {
	h.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// UnaryServerInterceptor logs each call, converts coded errors to gRPC
// statuses and recovers panics.
func UnaryServerInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Str("panic", fmt.Sprint(r)).Msg("gRPC panic recovered")
				err = status.Error(codes.Internal, "internal error")
			}
			logger.Debug().
				Str("method", info.FullMethod).
				Dur("latency", time.Since(start)).
				Str("code", status.Code(err).String()).
				Msg("gRPC call")
		}()

		resp, err = next(ctx, req)
		return resp, toStatus(err)
	}
}

// toStatus maps a coded error to the matching gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	coded, ok := errors.As(err)
	if !ok {
		return status.Error(codes.Internal, "internal error")
	}

	code := codes.Internal
	switch coded.Code {
	case errors.ErrCodeInvalidInput:
		code = codes.InvalidArgument
	case errors.ErrCodeUnauthenticated:
		code = codes.Unauthenticated
	case errors.ErrCodeForbidden:
		code = codes.PermissionDenied
	case errors.ErrCodeNotFound:
		code = codes.NotFound
	case errors.ErrCodeConflict:
		code = codes.Aborted
	case errors.ErrCodeConfiguration:
		code = codes.FailedPrecondition
	}
	return status.Error(code, coded.Message)
}
