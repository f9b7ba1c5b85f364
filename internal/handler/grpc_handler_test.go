package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

func TestGRPCHealthCheck(t *testing.T) {
	db := &togglePinger{}
	h := NewGRPCHandler(db, "wf-approvals", zerolog.Nop())
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Check(ctx))
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: "wf-approvals"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	db.err = fmt.Errorf("connection refused")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Check(ctx))
	resp, err = h.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

type togglePinger struct{ err error }

func (p *togglePinger) Ping(context.Context) error { return p.err }

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.InvalidInput("comments", "required"), codes.InvalidArgument},
		{errors.Forbidden("no"), codes.PermissionDenied},
		{errors.NotFound("workflow_instance", "x"), codes.NotFound},
		{errors.Conflict(errors.ReasonLevelMismatch, "stale"), codes.Aborted},
		{errors.New(errors.ErrCodeConfiguration, "misconfigured"), codes.FailedPrecondition},
		{fmt.Errorf("boom"), codes.Internal},
		{status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, toStatus(nil))
}

func TestUnaryServerInterceptor(t *testing.T) {
	intercept := UnaryServerInterceptor(zerolog.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Call"}

	_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, errors.Conflict(errors.ReasonTokenAlreadyUsed, "used")
	})
	assert.Equal(t, codes.Aborted, status.Code(err))

	_, err = intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := intercept(context.Background(), "req", info, func(_ context.Context, req any) (any, error) {
		return req, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req", resp)
}
