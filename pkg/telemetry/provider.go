// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup
// ABOUTME: Handles provider lifecycle, instrument caching, the Prometheus endpoint, and sampling

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/sysparam"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource

	histograms *xsync.MapOf[string, metric.Float64Histogram]
	counters   *xsync.MapOf[string, metric.Int64Counter]

	metricsServer *http.Server
	logger        log.Logger
}

// New creates a new TelemetryProvider with the given configuration.
// A disabled configuration yields a no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	readers, handler, err := createMetricReaders(cfg)
	if err != nil {
		return nil, err
	}
	spanExporters, err := createTraceExporters(cfg)
	if err != nil {
		return nil, err
	}

	p := newProvider(cfg, readers, spanExporters)
	if handler != nil {
		if err := p.serveMetrics(handler); err != nil {
			_ = p.Shutdown(context.Background())
			return nil, err
		}
	}
	return p, nil
}

func newProvider(cfg Config, readers []sdkmetric.Reader, spanExporters []sdktrace.SpanExporter) *TelemetryProvider {
	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, e := range spanExporters {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(e,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
		resource:       res,
		histograms:     xsync.NewMapOf[string, metric.Float64Histogram](),
		counters:       xsync.NewMapOf[string, metric.Int64Counter](),
		logger:         log.GetDefaultLogger().WithField("component", "telemetry"),
	}
}

func (p *TelemetryProvider) serveMetrics(handler http.Handler) error {
	addr := net.JoinHostPort("", strconv.Itoa(p.config.PrometheusPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	p.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := p.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("Metrics endpoint stopped: %v", err)
		}
	}()
	p.logger.Info("Serving Prometheus metrics on %s/metrics", listener.Addr())
	return nil
}

// RecordHistogram records a histogram value, creating the instrument on first use.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, _ := p.histograms.LoadOrCompute(name, func() metric.Float64Histogram {
		h, err := p.meter.Float64Histogram(name)
		if err != nil {
			p.logger.Warn("Failed to create histogram %s: %v", name, err)
			return noop.Float64Histogram{}
		}
		return h
	})
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to a counter, creating the instrument on first use.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, _ := p.counters.LoadOrCompute(name, func() metric.Int64Counter {
		c, err := p.meter.Int64Counter(name)
		if err != nil {
			p.logger.Warn("Failed to create counter %s: %v", name, err)
			return noop.Int64Counter{}
		}
		return c
	})
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown stops the metrics endpoint and flushes both providers.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.metricsServer != nil {
		errs = append(errs, p.metricsServer.Shutdown(ctx))
	}
	errs = append(errs, p.meterProvider.Shutdown(ctx))
	errs = append(errs, p.tracerProvider.Shutdown(ctx))
	return errors.Join(errs...)
}
