// ABOUTME: Telemetry constructors for tests: a disabled instance and one backed by a manual metric reader
// ABOUTME: The manual reader lets tests collect and assert the metrics real components record

package telemetry

import (
	"context"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewWithManualReader returns a real provider whose metrics are only
// collected on demand through the returned reader. No traces are exported.
func NewWithManualReader() (Telemetry, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = nil
	return newProvider(cfg, []sdkmetric.Reader{reader}, nil), reader
}

// CounterValue returns the sum over all data points of the named int64
// counter collected from reader, or 0 if it was never recorded.
func CounterValue(ctx context.Context, reader *sdkmetric.ManualReader, name string) (int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return 0, err
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total, nil
}
