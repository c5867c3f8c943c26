package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/ratelimit"
)

type testStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testStream) Context() context.Context { return s.ctx }

func peerContext(addr string) context.Context {
	tcp, _ := net.ResolveTCPAddr("tcp", addr)
	return peer.NewContext(context.Background(), &peer.Peer{Addr: tcp})
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	interceptor := RecoveryUnaryInterceptor(logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/komari.Test/Panic"}

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRecoveryStreamInterceptor(t *testing.T) {
	interceptor := RecoveryStreamInterceptor(logger.Nop())
	ss := &testStream{ctx: context.Background()}

	err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: "/komari.Test/Stream"}, func(any, grpc.ServerStream) error {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestRateLimitUnaryInterceptor(t *testing.T) {
	interceptor := RateLimitUnaryInterceptor(ratelimit.NewKeyed(0.001, 1))
	info := &grpc.UnaryServerInfo{FullMethod: "/komari.Test/Call"}
	ok := func(context.Context, any) (any, error) { return "ok", nil }

	first := peerContext("10.0.0.1:5000")
	_, err := interceptor(first, nil, info, ok)
	require.NoError(t, err)

	// Same host on another port shares the bucket.
	_, err = interceptor(peerContext("10.0.0.1:5001"), nil, info, ok)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = interceptor(peerContext("10.0.0.2:5000"), nil, info, ok)
	assert.NoError(t, err)

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = interceptor(first, nil, health, ok)
	assert.NoError(t, err)
}

func TestRateLimitStreamInterceptor(t *testing.T) {
	interceptor := RateLimitStreamInterceptor(ratelimit.NewKeyed(0.001, 1))
	info := &grpc.StreamServerInfo{FullMethod: "/komari.Test/Stream"}
	ss := &testStream{ctx: peerContext("10.0.0.1:5000")}
	handler := func(any, grpc.ServerStream) error { return nil }

	require.NoError(t, interceptor(nil, ss, info, handler))
	assert.Equal(t, codes.ResourceExhausted, status.Code(interceptor(nil, ss, info, handler)))
}

func TestPeerKey(t *testing.T) {
	assert.Equal(t, "anonymous", peerKey(context.Background()))
	assert.Equal(t, "10.1.2.3", peerKey(peerContext("10.1.2.3:80")))
	assert.Equal(t, "[::1]", peerKey(peerContext("[::1]:80")))
}

func TestTracingUnaryInterceptorPropagatesParent(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID := "4bf92f3577b34da6a3ce929d0e0e4736"
	md := metadata.Pairs("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var seen trace.SpanContext
	_, err := TracingUnaryInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/komari.Test/Call"},
		func(ctx context.Context, _ any) (any, error) {
			seen = trace.SpanContextFromContext(ctx)
			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, traceID, seen.TraceID().String())
}

func TestMethodAttributes(t *testing.T) {
	attrs := methodAttributes("/grpc.health.v1.Health/Check")
	require.Len(t, attrs, 3)
	assert.Equal(t, "grpc.health.v1.Health", attrs[1].Value.AsString())
	assert.Equal(t, "Check", attrs[2].Value.AsString())

	assert.Len(t, methodAttributes("bogus"), 1)
}
