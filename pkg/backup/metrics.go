// ABOUTME: Backup telemetry metrics for snapshot export and import
// ABOUTME: Records durations, pair counts and snapshot sizes per codec

package backup

import (
	"context"
	"time"

	"github.com/KevoDB/sysparam/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the telemetry recorded by Export and Import
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordExport records a finished or failed export
	RecordExport(ctx context.Context, duration time.Duration, pairs int, bytes int64, codec string, err error)

	// RecordImport records a finished or failed import
	RecordImport(ctx context.Context, duration time.Duration, pairs int, bytes int64, codec string, err error)
}

type backupMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &backupMetrics{tel: tel}
}

func (m *backupMetrics) record(ctx context.Context, op string, duration time.Duration, pairs int, bytes int64, codec string, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBackup),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, status),
		attribute.String(telemetry.AttrCodec, codec),
	}

	m.tel.RecordHistogram(ctx, "sysparam.backup.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "sysparam.backup.operations.total", 1, attrs...)
	if pairs > 0 {
		m.tel.RecordCounter(ctx, "sysparam.backup.pairs", int64(pairs), attrs...)
	}
	if bytes > 0 {
		m.tel.RecordCounter(ctx, "sysparam.backup.bytes", bytes, attrs...)
	}
}

func (m *backupMetrics) RecordExport(ctx context.Context, duration time.Duration, pairs int, bytes int64, codec string, err error) {
	m.record(ctx, telemetry.OpTypeExport, duration, pairs, bytes, codec, err)
}

func (m *backupMetrics) RecordImport(ctx context.Context, duration time.Duration, pairs int, bytes int64, codec string, err error) {
	m.record(ctx, telemetry.OpTypeImport, duration, pairs, bytes, codec, err)
}

// Close releases any resources held by the metrics implementation.
func (m *backupMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordExport(ctx context.Context, duration time.Duration, pairs int, bytes int64, codec string, err error) {
}

func (n *noopMetrics) RecordImport(ctx context.Context, duration time.Duration, pairs int, bytes int64, codec string, err error) {
}

func (n *noopMetrics) Close() error { return nil }
