// ABOUTME: OpenTelemetry exporter factory for metric readers and trace exporters (Prometheus, OTLP, stdout)
// ABOUTME: The Prometheus reader is registered on a private registry served by the provider

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// createMetricReaders creates metric readers based on configuration. When
// the prometheus exporter is configured the returned handler serves it.
func createMetricReaders(cfg Config) ([]metric.Reader, http.Handler, error) {
	var readers []metric.Reader
	var handler http.Handler

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "prometheus":
			registry := prometheus.NewRegistry()
			exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, exporter)
			handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		case "stdout":
			exporter, err := createStdoutMetricExporter(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, metric.NewPeriodicReader(exporter,
				metric.WithInterval(cfg.BatchTimeout),
				metric.WithTimeout(cfg.ExportTimeout),
			))

		default:
			// otlp carries traces only in this setup
			continue
		}
	}

	return readers, handler, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "otlp":
			exporter, err := createOTLPTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case "stdout":
			exporter, err := createStdoutTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			// prometheus doesn't support traces
			continue
		}
	}

	return exporters, nil
}

func createStdoutMetricExporter(cfg Config) (metric.Exporter, error) {
	return stdoutmetric.New(
		stdoutmetric.WithWriter(cfg.output()),
	)
}

func createOTLPTraceExporter(cfg Config) (trace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ExportTimeout)
	defer cancel()
	return otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	)
}

func createStdoutTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(cfg.output()),
	)
}
