package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// TelemetryConfig configures [Setup].
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default "parley".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// SpanExporter receives finished spans. Nil records spans without
	// exporting them.
	SpanExporter sdktrace.SpanExporter

	// Global installs the providers and W3C propagator as the otel globals.
	Global bool
}

// Telemetry owns the meter and tracer providers of one process and the
// Prometheus registry its metrics are scraped from.
type Telemetry struct {
	// Metrics are parley's instruments on this telemetry's meter provider.
	Metrics *Metrics

	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
}

// Setup builds a meter provider bridged into a fresh Prometheus registry
// (with Go runtime and process collectors) and a tracer provider.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	t := &Telemetry{
		registry: reg,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)),
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	t.tracers = sdktrace.NewTracerProvider(tpOpts...)

	if t.Metrics, err = NewMetrics(t.meters); err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}
	if cfg.Global {
		otel.SetMeterProvider(t.meters)
		otel.SetTracerProvider(t.tracers)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}
	return t, nil
}

// Handler serves the Prometheus exposition of this telemetry's registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.tracers.Shutdown(ctx))
}
