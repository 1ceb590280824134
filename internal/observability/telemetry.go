package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "procmux"

// TelemetryConfig describes the procmux invocation being traced. Exporter
// settings beyond Endpoint come from the standard OTEL_EXPORTER_OTLP_*
// variables.
type TelemetryConfig struct {
	Enabled   bool
	Endpoint  string
	Version   string
	Commit    string
	SessionID string
	// Command is the cobra command path, e.g. "procmux run".
	Command string
}

// TelemetryShutdown flushes pending spans and restores the previous globals.
type TelemetryShutdown func(ctx context.Context) error

// SetupTelemetry installs an OTLP/HTTP tracing pipeline as the global
// provider. When disabled or cfg is nil it returns a noop shutdown and leaves
// the globals alone.
func SetupTelemetry(ctx context.Context, cfg *TelemetryConfig) (TelemetryShutdown, error) {
	if cfg == nil || !cfg.Enabled {
		return noopShutdown, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(ResourceAttributes(cfg)...))
	if err != nil {
		return noopShutdown, fmt.Errorf("merge otel resource: %w", err)
	}

	exporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}

	if cfg.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}

	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return noopShutdown, fmt.Errorf("create otel exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	restore := install(provider)

	return func(shutdownCtx context.Context) error {
		err := provider.Shutdown(shutdownCtx)

		restore()

		if err != nil {
			return fmt.Errorf("shutdown otel provider: %w", err)
		}

		return nil
	}, nil
}

// install makes provider global and returns a func that puts the previous
// provider, propagator and error handler back.
func install(provider trace.TracerProvider) func() {
	origTP := otel.GetTracerProvider()
	origPropagator := otel.GetTextMapPropagator()
	origErrorHandler := otel.GetErrorHandler()

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Export failures must never reach a terminal the UI owns.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(error) {}))

	return func() {
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origPropagator)
		otel.SetErrorHandler(origErrorHandler)
	}
}

// ResourceAttributes returns the attributes identifying this invocation.
// OTEL_SERVICE_NAME overrides the service name.
func ResourceAttributes(cfg *TelemetryConfig) []attribute.KeyValue {
	name := os.Getenv("OTEL_SERVICE_NAME")
	if name == "" {
		name = "procmux"
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.Version),
		attribute.Int("process.pid", os.Getpid()),
	}

	if cfg.Commit != "" {
		attrs = append(attrs, attribute.String("service.commit", cfg.Commit))
	}

	if cfg.SessionID != "" {
		attrs = append(attrs, attribute.String("procmux.session.id", cfg.SessionID))
	}

	if cfg.Command != "" {
		attrs = append(attrs, attribute.String("procmux.command", cfg.Command))
	}

	return attrs
}

// StartRun opens the root span of one multiplexing session. Process start,
// stop and shutdown spans created under the returned context nest below it.
func StartRun(ctx context.Context, processFile string, processes []string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, "procmux.run", trace.WithAttributes(
		attribute.String("procmux.process_file", processFile),
		attribute.Int("procmux.process.count", len(processes)),
		attribute.StringSlice("procmux.process.names", processes),
	))
}

// Tracer returns a named tracer from the global TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// IsTelemetryEnabled checks the OTEL_ENABLED env var.
func IsTelemetryEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes"
}

func noopShutdown(context.Context) error { return nil }
