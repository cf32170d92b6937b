// Package telemetry wires tracing and metrics export for the
// orchestration daemon. Dispatch ticks and workflow poll cycles run
// inside named spans, and the prometheus registry behind the admin
// /metrics endpoint lives here.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Span names for the orchestration hot paths.
const (
	SpanDispatchTick = "dispatch.tick"
	SpanPollCycle    = "flow.poll"
)

// Span attribute keys.
const (
	AttrTaskType    = attribute.Key("task.type")
	AttrTaskID      = attribute.Key("task.id")
	AttrStepsPolled = attribute.Key("flow.steps_polled")
)

// Telemetry holds the tracer and the metrics registry.
type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	metrics  *prometheus.Registry
}

// Config for telemetry
type Config struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	MetricsEnabled bool
	TracingEnabled bool
}

// New creates new telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		metrics: prometheus.NewRegistry(),
	}

	if cfg.TracingEnabled {
		provider, err := initTracer(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		t.provider = provider
		t.tracer = otel.Tracer(cfg.ServiceName)
	}

	if cfg.MetricsEnabled {
		prometheus.DefaultRegisterer = t.metrics
		t.metrics.MustRegister(prometheus.NewGoCollector())
		t.metrics.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	return t, nil
}

// initTracer initializes the Jaeger exporter and tracer provider.
func initTracer(cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(cfg.JaegerEndpoint),
		),
	)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp, nil
}

// StartSpan opens a named span, or hands back a no-op span when
// tracing is disabled, so call sites never need a nil check.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceDispatchTick wraps one dispatcher tick.
func (t *Telemetry) TraceDispatchTick(ctx context.Context) (context.Context, trace.Span) {
	return t.StartSpan(ctx, SpanDispatchTick)
}

// TracePollCycle wraps one workflow-manager poll cycle.
func (t *Telemetry) TracePollCycle(ctx context.Context) (context.Context, trace.Span) {
	return t.StartSpan(ctx, SpanPollCycle)
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// MetricsHandler returns HTTP handler for metrics
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.metrics, promhttp.HandlerOpts{})
}

// Close shuts down telemetry
func (t *Telemetry) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}
