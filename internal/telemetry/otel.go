package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls the OpenTelemetry providers. Tracing and metrics toggle
// independently and both default to off, so local runs need no collector.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	EnableTracing  bool
	EnableMetrics  bool
}

// LoadConfigFromEnv reads the exporter configuration from the environment.
func LoadConfigFromEnv() *Config {
	return &Config{
		ServiceName:    getEnv("OTEL_SERVICE_NAME", getEnv("APP_ID", "taskloop")),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318"),
		EnableTracing:  os.Getenv("ENABLE_TRACING") == "true",
		EnableMetrics:  os.Getenv("ENABLE_METRICS") == "true",
	}
}

// InitializeOpenTelemetry installs the global trace and metric providers per
// the config and returns the shutdown function that flushes them. With both
// exports disabled it installs nothing and shutdown is a no-op.
func InitializeOpenTelemetry(ctx context.Context, config *Config) (func(), error) {
	logger := GetContextualLogger(ctx).WithField("operation", "initialize_otel")

	if !config.EnableTracing && !config.EnableMetrics {
		logger.Info("OpenTelemetry export disabled")
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	var flushes []func(context.Context) error

	if config.EnableTracing {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(config.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		// AlwaysSample; the collector owns sampling policy.
		tp := trace.NewTracerProvider(
			trace.WithBatcher(exporter),
			trace.WithResource(res),
			trace.WithSampler(trace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		flushes = append(flushes, tp.Shutdown)
		logger.WithField("endpoint", config.OTLPEndpoint).Info("Trace export enabled")
	}

	if config.EnableMetrics {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(config.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(30*time.Second))),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		flushes = append(flushes, mp.Shutdown)
		logger.WithField("endpoint", config.OTLPEndpoint).Info("Metric export enabled")
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, flush := range flushes {
			if err := flush(shutdownCtx); err != nil {
				GetContextualLogger(shutdownCtx).WithError(err).Error("OpenTelemetry shutdown failed")
			}
		}
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
