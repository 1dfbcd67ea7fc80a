package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"`
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	exporter, err = otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.EndpointURL),
		otlptracegrpc.WithInsecure(),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Tracer wraps the process-wide TracerProvider Manager installs, giving
// callers a Start/Shutdown/DebugExporter handle without reaching for the
// global otel package directly.
type Tracer struct {
	provider trace.TracerProvider
	delegate trace.Tracer
	debug    *DebugExporter
}

// TracerOption configures a Tracer at construction time.
type TracerOption func(*Tracer)

// WithDebugExporter attaches an in-memory span exporter, surfaced later via
// Tracer.DebugExporter (used by a debug/inspection HTTP endpoint).
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(t *Tracer) { t.debug = d }
}

// WithCapturePayloads is accepted for parity with TracingConfig.CapturePayloads;
// payload capture itself is a DebugExporter concern (see convertSpan), so this
// option only exists to keep call sites symmetric with WithDebugExporter.
func WithCapturePayloads(bool) TracerOption {
	return func(*Tracer) {}
}

// NewTracer builds a Tracer from cfg. When tracing is enabled, the
// resulting TracerProvider is installed as the process default so GetTracer
// and otel.Tracer calls elsewhere pick it up too; when it is disabled, the
// global provider is left untouched.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	provider, err := InitGlobalTracer(ctx, TracerConfig{
		Enabled:      cfg.Enabled,
		ExporterType: cfg.Exporter,
		EndpointURL:  cfg.Endpoint,
		SamplingRate: cfg.SamplingRate,
		ServiceName:  cfg.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	t := &Tracer{provider: provider, delegate: provider.Tracer(cfg.ServiceName)}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start begins a span via the wrapped TracerProvider.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.delegate == nil {
		return noop.NewTracerProvider().Tracer("noop").Start(ctx, name, opts...)
	}
	return t.delegate.Start(ctx, name, opts...)
}

// DebugExporter returns the in-memory span exporter configured via
// WithDebugExporter, or nil if none was attached.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debug
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if shutdowner, ok := t.provider.(interface{ Shutdown(context.Context) error }); ok {
		return shutdowner.Shutdown(ctx)
	}
	return nil
}
