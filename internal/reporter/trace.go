package reporter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceSink records events on the span carried by the event context.
type TraceSink struct{}

// NewTraceSink creates a trace sink.
func NewTraceSink() *TraceSink { return &TraceSink{} }

func (TraceSink) Name() string { return "trace" }

func (TraceSink) Write(ctx context.Context, e Event) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("deployment.id", e.DeploymentID),
	}
	if e.HasStep() {
		attrs = append(attrs,
			attribute.Int("step.index", e.StepIndex),
			attribute.String("step.name", e.StepName))
	}
	if e.Attempt > 0 {
		attrs = append(attrs, attribute.Int("attempt", e.Attempt))
	}
	if e.Severity != "" {
		attrs = append(attrs, attribute.String("pattern.severity", string(e.Severity)))
	}
	if e.PatternID != "" {
		attrs = append(attrs, attribute.String("pattern.id", e.PatternID))
	}
	if e.Outcome != "" {
		attrs = append(attrs, attribute.String("outcome", e.Outcome))
	}
	if e.To != "" {
		attrs = append(attrs,
			attribute.String("status.from", string(e.From)),
			attribute.String("status.to", string(e.To)))
	}
	span.AddEvent(string(e.Type), trace.WithAttributes(attrs...), trace.WithTimestamp(e.Time))
	return nil
}

func (TraceSink) Close() error { return nil }
