// Package tracing wires OpenTelemetry with per-route sampling: the
// platform rate applies by default, and routes carrying a sampling
// override pass the rate as a span attribute the sampler honors.
package tracing

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/ratelimit"
)

// Span attribute conventions.
const (
	AttrServiceID = "aussie.service_id"
	AttrEndpoint  = "aussie.endpoint"
	AttrClientID  = "aussie.client_id"

	// attrSampleRate is consumed by the route sampler and never
	// exported.
	attrSampleRate = "aussie.sample_rate"
)

// Tracer provides distributed tracing via OpenTelemetry.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a tracer. Disabled config yields an inert tracer whose
// helpers are all no-ops.
func New(cfg config.TracingConfig) (*Tracer, error) {
	t := &Tracer{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return t, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aussie-gateway"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(newRouteSampler(sampleRate))),
	)

	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)

	t.tracer = t.provider.Tracer("aussie")
	return t, nil
}

// IsEnabled reports whether spans are produced.
func (t *Tracer) IsEnabled() bool { return t.enabled }

// StartRequestSpan opens the root server span for a resolved route.
// name follows "{method} {route}"; rate <= 0 uses the platform default.
// The caller must End the returned span.
func (t *Tracer) StartRequestSpan(r *http.Request, name string, rate float64) (*http.Request, trace.Span) {
	if !t.enabled {
		return r, trace.SpanFromContext(r.Context())
	}

	ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLPath(r.URL.Path),
		semconv.ServerAddress(r.Host),
	}
	if rate > 0 {
		attrs = append(attrs, attribute.Float64(attrSampleRate, rate))
	}

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return r.WithContext(ctx), span
}

// StartSpan creates a child span.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}

// AnnotateRoute records the resolved route on the active span.
func AnnotateRoute(ctx context.Context, serviceID, endpoint, clientID string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(AttrServiceID, serviceID),
		attribute.String(AttrEndpoint, endpoint),
		attribute.String(AttrClientID, clientID),
	)
}

// AnnotateRateLimit records the admission verdict on the active span.
func AnnotateRateLimit(ctx context.Context, scope string, d ratelimit.Decision) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("aussie.ratelimit.scope", scope),
		attribute.Bool("aussie.ratelimit.allowed", d.Allowed),
		attribute.Int64("aussie.ratelimit.remaining", d.Remaining),
	)
}

// FinishRequestSpan records the final status and ends the span.
func FinishRequestSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(2, http.StatusText(status)) // codes.Error
	}
	span.End()
}

// InjectHeaders propagates the trace context onto an outgoing request.
func InjectHeaders(ctx context.Context, dst http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(dst))
}

// Close flushes and shuts down the provider.
func (t *Tracer) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}

// routeSampler applies a per-span ratio: spans carrying the rate
// attribute sample at that rate, everything else at the platform
// default.
type routeSampler struct {
	fallback sdktrace.Sampler

	mu      sync.RWMutex
	byRate  map[float64]sdktrace.Sampler
}

func newRouteSampler(defaultRate float64) *routeSampler {
	return &routeSampler{
		fallback: sdktrace.TraceIDRatioBased(defaultRate),
		byRate:   make(map[float64]sdktrace.Sampler),
	}
}

func (s *routeSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, a := range p.Attributes {
		if string(a.Key) == attrSampleRate {
			return s.ratio(a.Value.AsFloat64()).ShouldSample(p)
		}
	}
	return s.fallback.ShouldSample(p)
}

func (s *routeSampler) ratio(rate float64) sdktrace.Sampler {
	s.mu.RLock()
	sampler, ok := s.byRate[rate]
	s.mu.RUnlock()
	if ok {
		return sampler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sampler, ok = s.byRate[rate]; ok {
		return sampler
	}
	sampler = sdktrace.TraceIDRatioBased(rate)
	s.byRate[rate] = sampler
	return sampler
}

func (s *routeSampler) Description() string { return "AussieRouteSampler" }
