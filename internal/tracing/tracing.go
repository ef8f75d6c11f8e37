// Package tracing wires OpenTelemetry tracing for the NBD client driver:
// a process-wide TracerProvider exporting over OTLP/HTTP, and the span
// helpers Driver.Open uses around resolution, handshake and reader
// registration.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/tapdisk-nbd/internal/config"
)

// Common attribute keys for nbdclient spans.
var AttrExportName = attribute.Key("nbd.export_name")

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global = &provider{tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init initializes the global tracer provider from cfg. A disabled config
// leaves the global tracer a no-op.
func Init(ctx context.Context, cfg config.TracingConfig) error {
	if !cfg.Enabled {
		global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("tracing: create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("tracing: create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	global = &provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}
	return nil
}

// Shutdown flushes and stops the global tracer provider, if one is active.
func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

// Enabled reports whether a real (non-no-op) tracer is installed.
func Enabled() bool { return global.enabled }

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

// EndWithError marks span as errored if err is non-nil, ok otherwise, then
// ends it. Callers typically defer this immediately after StartSpan.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
