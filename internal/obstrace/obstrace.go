// Package obstrace wires OpenTelemetry tracing around a request's pass
// through the four-layer pipeline chain, one span per layer plus a parent
// span for the request as a whole. Adapted from the teacher's LLM-call
// tracing helpers, generalized from a single request/response span to a
// per-layer span sequence matching RequestContext.PerLayerTimingsMs.
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies this router's tracer in exported spans.
const TracerName = "routecore"

// Config controls whether tracing is enabled and where spans are exported.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
	Insecure    bool
}

// DefaultConfig returns tracing disabled by default; enabling it requires an
// explicit opt-in since it dials an external OTLP collector.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Endpoint:    "localhost:4317",
		ServiceName: "routecore",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

// Provider wraps the OpenTelemetry tracer provider and exposes a Tracer.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init constructs a Provider. When cfg.Enabled is false it returns a no-op
// tracer backed by the global otel default, so callers never need to branch
// on whether tracing is on.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(TracerName)}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Provider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

// Shutdown flushes and stops the tracer provider, if one was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// StartRequest opens the parent span for one inbound request.
func (p *Provider) StartRequest(ctx context.Context, requestID string, category string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "router.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("router.request_id", requestID),
			attribute.String("router.category", category),
		),
	)
}

// StartLayer opens a child span for one pipeline layer (transformer,
// protocol, compat, server).
func (p *Provider) StartLayer(ctx context.Context, layer string, pipelineID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "router.layer."+layer,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("router.layer", layer),
			attribute.String("router.pipeline_id", pipelineID),
		),
	)
}

// LayerSpan opens a child span for one pipeline layer and returns the span
// context plus an end function that records err (if non-nil) before closing
// the span.
func (p *Provider) LayerSpan(ctx context.Context, layer string, pipelineID string) (context.Context, func(err error)) {
	ctx, span := p.StartLayer(ctx, layer, pipelineID)
	return ctx, func(err error) {
		if err != nil {
			RecordError(span, err)
		}
		span.End()
	}
}

// RecordOutcome annotates a span with the classified upstream outcome.
func RecordOutcome(span trace.Span, outcome string, attempts int) {
	span.SetAttributes(
		attribute.String("router.outcome", outcome),
		attribute.Int("router.attempts", attempts),
	)
}

// RecordError records an error on a span and flags it accordingly.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
