// Package telemetry wires OpenTelemetry tracing (Google Cloud Trace) and bridges OTel
// metrics into the Prometheus registry served on /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config describes the service for trace resources.
type Config struct {
	ServiceName string
	Version     string
	Region      string
	// ProjectID enables span export to Google Cloud Trace. Empty keeps spans in-process,
	// which still gives Pub/Sub messages a trace context.
	ProjectID string
}

// Shutdown flushes and stops the providers.
type Shutdown func(context.Context) error

var (
	initOnce sync.Once
	shutdown Shutdown
	initErr  error
)

// Init installs the global tracer and meter providers once per process.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	initOnce.Do(func() {
		shutdown, initErr = setup(ctx, cfg, prometheus.DefaultRegisterer)
	})
	return shutdown, initErr
}

func setup(ctx context.Context, cfg Config, reg prometheus.Registerer) (Shutdown, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name is required")
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.CloudRegion(cfg.Region),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
