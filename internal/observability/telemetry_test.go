package observability_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tstat/process-muxer/internal/observability"
)

type testPropagator struct{}

func (testPropagator) Inject(context.Context, propagation.TextMapCarrier) {}

func (testPropagator) Extract(ctx context.Context, _ propagation.TextMapCarrier) context.Context {
	return ctx
}

func (testPropagator) Fields() []string { return nil }

type testErrorHandler struct{}

func (testErrorHandler) Handle(error) {}

// pinGlobals installs sentinel otel globals for the test and restores the
// real ones afterwards.
func pinGlobals(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()

	origTP := otel.GetTracerProvider()
	origPropagator := otel.GetTextMapPropagator()
	origErrorHandler := otel.GetErrorHandler()

	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origPropagator)
		otel.SetErrorHandler(origErrorHandler)
		_ = tp.Shutdown(context.Background())
	})

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(testPropagator{})
	otel.SetErrorHandler(testErrorHandler{})
}

func assertGlobalsRestored(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()

	if got := otel.GetTracerProvider(); got != tp {
		t.Fatal("tracer provider was not restored")
	}

	if _, ok := otel.GetTextMapPropagator().(testPropagator); !ok {
		t.Fatal("propagator was not restored")
	}

	if _, ok := otel.GetErrorHandler().(testErrorHandler); !ok {
		t.Fatal("error handler was not restored")
	}
}

func TestSetupTelemetry_DisabledLeavesGlobals(t *testing.T) {
	tests := []struct {
		name string
		cfg  *observability.TelemetryConfig
	}{
		{name: "nil config", cfg: nil},
		{name: "disabled", cfg: &observability.TelemetryConfig{Enabled: false, SessionID: "s-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentinel := sdktrace.NewTracerProvider()
			pinGlobals(t, sentinel)

			shutdown, err := observability.SetupTelemetry(t.Context(), tt.cfg)
			if err != nil {
				t.Fatalf("SetupTelemetry() error = %v", err)
			}

			if got := otel.GetTracerProvider(); got != sentinel {
				t.Fatal("SetupTelemetry() replaced the tracer provider while disabled")
			}

			if err := shutdown(t.Context()); err != nil {
				t.Fatalf("shutdown() error = %v", err)
			}

			assertGlobalsRestored(t, sentinel)
		})
	}
}

func TestSetupTelemetry_EnabledInstallsAndRestores(t *testing.T) {
	sentinel := sdktrace.NewTracerProvider()
	pinGlobals(t, sentinel)

	shutdown, err := observability.SetupTelemetry(t.Context(), &observability.TelemetryConfig{
		Enabled:   true,
		Endpoint:  "localhost:4318",
		Version:   "0.0.1",
		Commit:    "abc123",
		SessionID: "s-1",
		Command:   "procmux run",
	})
	if err != nil {
		t.Fatalf("SetupTelemetry() error = %v", err)
	}

	tp := otel.GetTracerProvider()
	if _, isNoop := tp.(*noop.TracerProvider); isNoop || tp == sentinel {
		t.Fatalf("SetupTelemetry() provider = %T, want a new SDK provider", tp)
	}

	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	assertGlobalsRestored(t, sentinel)
}

func TestSetupTelemetry_ShutdownRestoresGlobalsOnCanceledContext(t *testing.T) {
	sentinel := sdktrace.NewTracerProvider()
	pinGlobals(t, sentinel)

	shutdown, err := observability.SetupTelemetry(t.Context(), &observability.TelemetryConfig{Enabled: true})
	if err != nil {
		t.Fatalf("SetupTelemetry() error = %v", err)
	}

	canceledCtx, cancel := context.WithCancel(t.Context())
	cancel()

	_ = shutdown(canceledCtx)

	assertGlobalsRestored(t, sentinel)
}

func TestResourceAttributes(t *testing.T) {
	tests := []struct {
		name        string
		serviceEnv  string
		cfg         observability.TelemetryConfig
		want        map[attribute.Key]string
		wantMissing []attribute.Key
	}{
		{
			name: "minimal",
			cfg:  observability.TelemetryConfig{Version: "1.2.3"},
			want: map[attribute.Key]string{
				"service.name":    "procmux",
				"service.version": "1.2.3",
			},
			wantMissing: []attribute.Key{"service.commit", "procmux.session.id", "procmux.command"},
		},
		{
			name: "session",
			cfg:  observability.TelemetryConfig{Version: "dev", Commit: "abc", SessionID: "s-1", Command: "procmux run"},
			want: map[attribute.Key]string{
				"service.commit":     "abc",
				"procmux.session.id": "s-1",
				"procmux.command":    "procmux run",
			},
		},
		{
			name:       "service name from env",
			serviceEnv: "api-stack",
			cfg:        observability.TelemetryConfig{Version: "dev"},
			want:       map[attribute.Key]string{"service.name": "api-stack"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_SERVICE_NAME", tt.serviceEnv)

			got := make(map[attribute.Key]attribute.Value)
			for _, kv := range observability.ResourceAttributes(&tt.cfg) {
				got[kv.Key] = kv.Value
			}

			if _, ok := got["process.pid"]; !ok {
				t.Errorf("ResourceAttributes() missing process.pid")
			}

			for key, want := range tt.want {
				if v, ok := got[key]; !ok || v.AsString() != want {
					t.Errorf("ResourceAttributes()[%s] = %q, want %q", key, v.AsString(), want)
				}
			}

			for _, key := range tt.wantMissing {
				if _, ok := got[key]; ok {
					t.Errorf("ResourceAttributes() has %s, want it omitted", key)
				}
			}
		})
	}
}

func TestStartRun_ParentsProcessSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	pinGlobals(t, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	ctx, run := observability.StartRun(t.Context(), "procmux.yaml", []string{"api", "worker"})

	_, start := observability.Tracer("procmux.supervisor").Start(ctx, "process.start")
	start.End()
	run.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}

	child, root := ended[0], ended[1]

	if root.Name() != "procmux.run" {
		t.Fatalf("root span = %q, want procmux.run", root.Name())
	}

	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatal("process.start span is not a child of procmux.run")
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range root.Attributes() {
		attrs[kv.Key] = kv.Value
	}

	if got := attrs["procmux.process.count"].AsInt64(); got != 2 {
		t.Fatalf("procmux.process.count = %d, want 2", got)
	}

	if got := attrs["procmux.process_file"].AsString(); got != "procmux.yaml" {
		t.Fatalf("procmux.process_file = %q, want procmux.yaml", got)
	}
}

func TestIsTelemetryEnabled(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     bool
	}{
		{"empty", "", false},
		{"true", "true", true},
		{"TRUE", "TRUE", true},
		{"1", "1", true},
		{"yes", "yes", true},
		{"false", "false", false},
		{"0", "0", false},
		{"random", "random", false},
		{"whitespace true", "  true  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_ENABLED", tt.envValue)

			if got := observability.IsTelemetryEnabled(); got != tt.want {
				t.Errorf("IsTelemetryEnabled() = %v, want %v (env=%q)", got, tt.want, tt.envValue)
			}
		})
	}
}
