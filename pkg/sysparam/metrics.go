// ABOUTME: Store telemetry metrics interface and implementation for parameter operations
// ABOUTME: Tracks reads, writes, compactions, corruption, and failed flash writes

package sysparam

import (
	"context"
	"time"

	"github.com/KevoDB/sysparam/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// StoreMetrics defines the telemetry operations recorded by a Store.
// All metrics are optional - implementations can safely be no-op.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordGet records a lookup and whether the key had a value.
	RecordGet(ctx context.Context, duration time.Duration, found bool)

	// RecordSet records a set or delete. opType is one of set, delete or noop.
	RecordSet(ctx context.Context, duration time.Duration, bytes int64, opType string)

	// RecordCompaction records a completed compaction and the bytes it reclaimed.
	RecordCompaction(ctx context.Context, duration time.Duration, reclaimed int64, reason string)

	// RecordCorruption records an inconsistency found while scanning.
	RecordCorruption(ctx context.Context, reason string)

	// RecordWriteFailure records a flash write that did not verify.
	RecordWriteFailure(ctx context.Context, stage string)
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a no-op implementation for testing.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func (m *storeMetrics) RecordGet(ctx context.Context, duration time.Duration, found bool) {
	m.tel.RecordHistogram(ctx, "sysparam.store.get.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.Bool("found", found),
	)
	m.tel.RecordCounter(ctx, "sysparam.store.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeGet),
	)
}

func (m *storeMetrics) RecordSet(ctx context.Context, duration time.Duration, bytes int64, opType string) {
	m.tel.RecordHistogram(ctx, "sysparam.store.set.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, opType),
	)
	if bytes > 0 {
		m.tel.RecordCounter(ctx, "sysparam.store.set.bytes", bytes,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		)
	}
	m.tel.RecordCounter(ctx, "sysparam.store.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, opType),
	)
}

func (m *storeMetrics) RecordCompaction(ctx context.Context, duration time.Duration, reclaimed int64, reason string) {
	m.tel.RecordHistogram(ctx, "sysparam.compaction.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, reason),
	)
	if reclaimed > 0 {
		m.tel.RecordCounter(ctx, "sysparam.compaction.reclaimed.bytes", reclaimed,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
	m.tel.RecordCounter(ctx, "sysparam.compaction.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *storeMetrics) RecordCorruption(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "sysparam.store.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *storeMetrics) RecordWriteFailure(ctx context.Context, stage string) {
	m.tel.RecordCounter(ctx, "sysparam.flash.write_failures.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentFlash),
		attribute.String("stage", stage),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *storeMetrics) Close() error {
	return nil
}

type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordGet(ctx context.Context, duration time.Duration, found bool) {}

func (n *noopStoreMetrics) RecordSet(ctx context.Context, duration time.Duration, bytes int64, opType string) {
}

func (n *noopStoreMetrics) RecordCompaction(ctx context.Context, duration time.Duration, reclaimed int64, reason string) {
}

func (n *noopStoreMetrics) RecordCorruption(ctx context.Context, reason string) {}

func (n *noopStoreMetrics) RecordWriteFailure(ctx context.Context, stage string) {}

func (n *noopStoreMetrics) Close() error { return nil }
