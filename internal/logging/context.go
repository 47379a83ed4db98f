package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	deploymentKey ctxKey = iota
	stepKey
	requestKey
)

// Step is the deployment step a line belongs to.
type Step struct {
	Index int
	Name  string
}

const maxIDLen = 128

func usableID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// WithDeploymentID tags ctx with a deployment ID. IDs that would corrupt a
// log line (empty, too long or with unexpected characters) are ignored.
func WithDeploymentID(ctx context.Context, id string) context.Context {
	if !usableID(id) {
		return ctx
	}
	return context.WithValue(ctx, deploymentKey, id)
}

// DeploymentID returns the deployment ID stored in ctx, if any.
func DeploymentID(ctx context.Context) string {
	id, _ := ctx.Value(deploymentKey).(string)
	return id
}

// WithStep tags ctx with the step being executed. A negative index clears
// the step.
func WithStep(ctx context.Context, index int, name string) context.Context {
	if index < 0 {
		return context.WithValue(ctx, stepKey, nil)
	}
	return context.WithValue(ctx, stepKey, Step{Index: index, Name: name})
}

// StepFrom returns the step stored in ctx.
func StepFrom(ctx context.Context) (Step, bool) {
	s, ok := ctx.Value(stepKey).(Step)
	return s, ok
}

// WithRequestID tags ctx with an HTTP request ID. Unusable IDs are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if !usableID(id) {
		return ctx
	}
	return context.WithValue(ctx, requestKey, id)
}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestKey).(string)
	return id
}

// ContextFields returns the correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	if id := DeploymentID(ctx); id != "" {
		fields = append(fields, zap.String("deployment.id", id))
	}
	if s, ok := StepFrom(ctx); ok {
		fields = append(fields, zap.Int("step.index", s.Index), zap.String("step.name", s.Name))
	}
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}
