package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aussielabs/aussie/config"
)

func TestDisabledTracerIsInert(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r2, span := tr.StartRequestSpan(r, "GET /svc-a/x", 0.5)
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracer produced a recording span")
	}
	if r2.Context() != r.Context() {
		t.Fatal("disabled tracer replaced the context")
	}
	FinishRequestSpan(span, 200)
}

func TestRouteSamplerHonorsAttribute(t *testing.T) {
	s := newRouteSampler(1.0)

	// rate 0 via attribute must always drop.
	res := s.ShouldSample(sdktrace.SamplingParameters{
		TraceID:    [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:       "GET /svc-a/x",
		Attributes: []attribute.KeyValue{attribute.Float64(attrSampleRate, 0)},
	})
	if res.Decision == sdktrace.RecordAndSample {
		t.Fatal("rate 0 sampled")
	}

	// No attribute falls back to the platform default (1.0 = always).
	res = s.ShouldSample(sdktrace.SamplingParameters{
		TraceID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:    "GET /svc-a/x",
	})
	if res.Decision != sdktrace.RecordAndSample {
		t.Fatal("default rate 1.0 did not sample")
	}
}

func TestRouteSamplerCachesByRate(t *testing.T) {
	s := newRouteSampler(0.1)
	a := s.ratio(0.25)
	b := s.ratio(0.25)
	if a != b {
		t.Fatal("sampler not cached per rate")
	}
}
