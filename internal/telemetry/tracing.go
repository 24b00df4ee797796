package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted by TracingConfig.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

const profilingGroupKey = attribute.Key("profiling.group")

// TracingConfig controls the tracer provider.
type TracingConfig struct {
	ServiceName    string
	ProfilingGroup string
	// SampleRatio is the fraction of root spans recorded, 0..1.
	SampleRatio float64
	Exporter    string
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

// Hook starts spans around pipeline steps. The zero value is a no-op.
type Hook struct {
	tracer trace.Tracer
}

// NewHook wraps a tracer. A nil tracer yields a no-op hook.
func NewHook(tracer trace.Tracer) Hook {
	return Hook{tracer: tracer}
}

// Start opens a span named name. The returned func ends it and marks it failed
// when err is non-nil.
func (h Hook) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if h.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := h.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// InitTracerProvider builds and installs the global tracer provider. The
// returned shutdown func flushes pending spans.
func InitTracerProvider(ctx context.Context, cfg TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}
	if cfg.Exporter != ExporterStdout {
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			profilingGroupKey.String(cfg.ProfilingGroup),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporterOpts := []stdouttrace.Option{}
	if cfg.Writer != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, tp.Shutdown, nil
}
