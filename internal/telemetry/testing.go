package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// TestTelemetry records spans and metrics in memory. Its providers are not
// installed globally; pass them to the component under test.
type TestTelemetry struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled instance backed by in-memory
// recorders. Providers are shut down when tb finishes.
func NewTestTelemetry(tb testing.TB) *TestTelemetry {
	cfg := DefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	t := &TestTelemetry{
		Telemetry: &Telemetry{
			cfg: cfg,
			tp:  sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			mp:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		spans:  spans,
		reader: reader,
	}
	tb.Cleanup(func() { _ = t.Shutdown(context.Background()) })
	return t
}

// TracerProvider returns the recording tracer provider.
func (t *TestTelemetry) TracerProvider() trace.TracerProvider { return t.tp }

// MeterProvider returns the recording meter provider.
func (t *TestTelemetry) MeterProvider() metric.MeterProvider { return t.mp }

// Span returns the first ended span called name.
func (t *TestTelemetry) Span(name string) (sdktrace.ReadOnlySpan, bool) {
	for _, s := range t.spans.Ended() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// SpanAttr returns attribute key of the first ended span called name.
func (t *TestTelemetry) SpanAttr(name string, key attribute.Key) (attribute.Value, bool) {
	s, ok := t.Span(name)
	if !ok {
		return attribute.Value{}, false
	}
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// CounterValue collects metrics and returns the sum of the int64 counter
// called name across all attribute sets.
func (t *TestTelemetry) CounterValue(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
