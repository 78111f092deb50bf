// ABOUTME: RPC telemetry for the parameter service, recorded by server interceptors
// ABOUTME: Tracks request durations and counts per method and status code

package service

import (
	"context"
	"path"
	"time"

	"github.com/KevoDB/sysparam/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCMetrics defines the telemetry recorded for each request
type RPCMetrics interface {
	telemetry.ComponentMetrics

	// RecordRequest records a finished request
	RecordRequest(ctx context.Context, method string, duration time.Duration, err error)
}

type rpcMetrics struct {
	tel telemetry.Telemetry
}

// NewRPCMetrics creates a metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewRPCMetrics(tel telemetry.Telemetry) RPCMetrics {
	if tel == nil {
		return &noopRPCMetrics{}
	}
	return &rpcMetrics{tel: tel}
}

func (m *rpcMetrics) RecordRequest(ctx context.Context, method string, duration time.Duration, err error) {
	result := telemetry.StatusSuccess
	if err != nil {
		result = telemetry.StatusError
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRPC),
		attribute.String(telemetry.AttrMethod, path.Base(method)),
		attribute.String(telemetry.AttrStatus, result),
		attribute.String("rpc.grpc.status_code", status.Code(err).String()),
	}

	m.tel.RecordHistogram(ctx, "sysparam.rpc.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "sysparam.rpc.requests.total", 1, attrs...)
}

func (m *rpcMetrics) Close() error {
	return nil
}

type noopRPCMetrics struct{}

func (n *noopRPCMetrics) RecordRequest(ctx context.Context, method string, duration time.Duration, err error) {
}

func (n *noopRPCMetrics) Close() error { return nil }

func unaryMetricsInterceptor(m RPCMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordRequest(ctx, info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

func streamMetricsInterceptor(m RPCMetrics) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.RecordRequest(ss.Context(), info.FullMethod, time.Since(start), err)
		return err
	}
}
