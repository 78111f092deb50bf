// ABOUTME: Telemetry interface the store, backup and RPC layers record through
// ABOUTME: Shared attribute keys and values plus a no-op implementation for disabled telemetry

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records metrics and spans for parameter store components
// without tying them to an OpenTelemetry SDK.
type Telemetry interface {
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending exports and stops the providers.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is embedded by the per-component metrics interfaces.
type ComponentMetrics interface {
	Close() error
}

// NoopTelemetry discards everything. It is used when telemetry is disabled.
type NoopTelemetry struct{}

// NewNoop returns a Telemetry that records nothing.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns ctx unchanged along with the span it already carries.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// Attribute keys
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrReason        = "reason"
	AttrCodec         = "codec"
	AttrMethod        = "rpc.method"
)

// Attribute values
const (
	OpTypeGet    = "get"
	OpTypeExport = "export"
	OpTypeImport = "import"

	StatusSuccess = "success"
	StatusError   = "error"

	ComponentStore      = "store"
	ComponentFlash      = "flash"
	ComponentCompaction = "compaction"
	ComponentBackup     = "backup"
	ComponentRPC        = "rpc"
)
